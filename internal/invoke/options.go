package invoke

import "time"

const (
	DefaultTimeout     = 60 * time.Second
	DefaultMaxLogBytes = 1 << 20
)

// Settings is the resolved option set handed to an Invoker.
type Settings struct {
	ExpectedExitCode int
	CheckExitCode    bool
	Timeout          time.Duration
	Env              []string
	Sudo             bool
	MaxLogBytes      int
}

type Option func(*Settings)

func DefaultSettings() Settings {
	return Settings{
		ExpectedExitCode: SuccessExitCode,
		CheckExitCode:    true,
		Timeout:          DefaultTimeout,
		MaxLogBytes:      DefaultMaxLogBytes,
	}
}

func NewSettings(opts ...Option) Settings {
	s := DefaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func WithExpectedExitCode(code int) Option {
	return func(s *Settings) {
		s.ExpectedExitCode = code
		s.CheckExitCode = true
	}
}

func WithoutExitCodeCheck() Option {
	return func(s *Settings) { s.CheckExitCode = false }
}

// WithTimeout bounds the whole invocation; zero or negative keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.Timeout = d
		}
	}
}

// WithEnv appends KEY=value pairs to the child environment.
func WithEnv(kv ...string) Option {
	return func(s *Settings) { s.Env = append(s.Env, kv...) }
}

// WithSudo runs the child through non-interactive sudo.
func WithSudo() Option {
	return func(s *Settings) { s.Sudo = true }
}

func WithMaxLogBytes(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.MaxLogBytes = n
		}
	}
}
