package invoke

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/testhost/internal/exitcode"
	"github.com/danmuck/testhost/internal/logging"
)

// Child process protocol. A host starts
//
//	<AssemblyName> -testhost.invoke <TypeName> <MethodName> [args...]
//
// with EnvInvoke set to a file the child writes its exact exit code to, or
// to ReportStdout to print MarkerPrefix<code> as the last stdout line.
const (
	FlagInvoke   = "-testhost.invoke"
	EnvInvoke    = "TESTHOST_INVOKE"
	ReportStdout = "-"
	MarkerPrefix = "testhost-exit-code: "
)

// ChildArgs is the argv tail a host passes to AssemblyName.
func ChildArgs(req Request) []string {
	return append([]string{FlagInvoke, req.TypeName, req.MethodName}, req.Args...)
}

// IsChild reports whether argv asks this process to run an entry.
func IsChild(argv []string) bool {
	return len(argv) > 1 && argv[1] == FlagInvoke
}

// RunIfChild must be the first thing TestMain or main does. When the
// process was started by a host it runs the requested entry and exits;
// otherwise it returns immediately.
func RunIfChild(fns ...any) {
	if !IsChild(os.Args) {
		return
	}
	logging.ConfigureChild()
	code := runChild(os.Args, os.Getenv(EnvInvoke), fns, os.Stdout, os.Stderr)
	exitcode.Set(code)
	exitcode.Exit()
}

func runChild(argv []string, report string, fns []any, stdout, stderr io.Writer) int {
	code := dispatchChild(argv, fns, stderr)
	if err := writeReport(report, code, stdout); err != nil {
		fmt.Fprintf(stderr, "testhost: report exit code: %v\n", err)
	}
	return code
}

func dispatchChild(argv []string, fns []any, stderr io.Writer) int {
	if len(argv) < 4 {
		fmt.Fprintf(stderr, "testhost: usage: %s %s <type> <method> [args...]\n", argv[0], FlagInvoke)
		return 1
	}
	if err := Register(fns...); err != nil {
		fmt.Fprintf(stderr, "testhost: %v\n", err)
		return 1
	}
	typeName, methodName, args := argv[2], argv[3], argv[4:]
	v, ok := lookup(typeName, methodName)
	if !ok {
		fmt.Fprintf(stderr, "testhost: entry %s.%s is not registered in this binary\n", typeName, methodName)
		return 1
	}
	code, err := call(v, args)
	if err != nil {
		fmt.Fprintln(stderr, err)
	}
	return code
}

func writeReport(report string, code int, stdout io.Writer) error {
	switch report {
	case "":
		return nil
	case ReportStdout:
		_, err := fmt.Fprintf(stdout, "\n%s%d\n", MarkerPrefix, code)
		return err
	default:
		return os.WriteFile(report, []byte(strconv.Itoa(code)), 0o600)
	}
}

// ReadResultFile returns the code a child wrote. ok is false when the child
// never got as far as writing it.
func ReadResultFile(path string) (code int, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, false, nil
	}
	code, err = strconv.Atoi(text)
	if err != nil {
		return 0, false, fmt.Errorf("invoke: malformed result file %s: %w", path, err)
	}
	return code, true, nil
}

// ParseMarker extracts the exit code marker from captured stdout and
// returns the output with the marker line removed.
func ParseMarker(out []byte) (code int, log string, ok bool) {
	var kept bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), len(out)+1)
	for sc.Scan() {
		line := sc.Text()
		if rest, found := strings.CutPrefix(line, MarkerPrefix); found {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				code, ok = n, true
				continue
			}
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}
	return code, strings.TrimRight(kept.String(), "\n"), ok
}
