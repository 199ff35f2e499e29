package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/testhost/internal/protocol/frame"
	"github.com/danmuck/testhost/internal/protocol/schema"
	"github.com/danmuck/testhost/internal/protocol/tlv"
)

// Channel status strings reported in error frames.
const (
	StatusSuccess                 = "Success"
	StatusRemoteSystemUnavailable = "RemoteSystemUnavailable"
	StatusUnauthorized            = "Unauthorized"
	StatusBadRequest              = "BadRequest"
	StatusUnknownRequest          = "UnknownRequest"
	StatusTimeout                 = "Timeout"
	StatusInvokeFailed            = "InvokeFailed"
)

var (
	ErrInvalidArgs        = errors.New("session: invalid args object")
	ErrMessageIDMismatch  = errors.New("session: response message id mismatch")
	ErrUnexpectedResponse = errors.New("session: unexpected response type")
)

// RemoteError is a decoded error frame.
type RemoteError struct {
	Status  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: remote status %s: %s", e.Status, e.Message)
}

// InvokeRequest is the RemoteInvoke payload.
type InvokeRequest struct {
	RequestID    string
	AssemblyName string
	TypeName     string
	MethodName   string
	Args         []string
	Timeout      time.Duration
}

// InvokeResult is the RemoteInvoke response payload.
type InvokeResult struct {
	Results int
	Log     string
}

// EncodeArgs renders args as {"Arg0":..,"ArgN":..}.
func EncodeArgs(args []string) ([]byte, error) {
	obj := make(map[string]string, len(args))
	for i, a := range args {
		obj["Arg"+strconv.Itoa(i)] = a
	}
	return json.Marshal(obj)
}

// DecodeArgs parses an Arg0..ArgN object. Keys must be dense from Arg0.
func DecodeArgs(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var obj map[string]string
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	args := make([]string, 0, len(obj))
	for i := 0; ; i++ {
		v, ok := obj["Arg"+strconv.Itoa(i)]
		if !ok {
			break
		}
		args = append(args, v)
	}
	if len(args) != len(obj) {
		return nil, fmt.Errorf("%w: keys must be Arg0..Arg%d", ErrInvalidArgs, len(obj)-1)
	}
	return args, nil
}

func ProcessInfoFields(requestID string) []tlv.Field {
	fields := []tlv.Field{tlv.String(schema.FieldRequestType, schema.RequestProvideProcessInfo)}
	if requestID != "" {
		fields = append(fields, tlv.String(schema.FieldRequestID, requestID))
	}
	return fields
}

func ProcessInfoResultFields(pid int) []tlv.Field {
	return []tlv.Field{tlv.U64(schema.FieldPID, uint64(pid))}
}

func DecodeProcessInfoResult(fields []tlv.Field) (int, error) {
	if err := schema.Validate(schema.MsgProcessInfoResult, fields); err != nil {
		return 0, err
	}
	pid, _, err := tlv.U64Value(fields, schema.FieldPID)
	return int(pid), err
}

func InvokeFields(req InvokeRequest) ([]tlv.Field, error) {
	args, err := EncodeArgs(req.Args)
	if err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldRequestType, schema.RequestRemoteInvoke),
		tlv.String(schema.FieldAssemblyName, req.AssemblyName),
		tlv.String(schema.FieldTypeName, req.TypeName),
		tlv.String(schema.FieldMethodName, req.MethodName),
		tlv.Bytes(schema.FieldArgs, args),
	}
	if req.RequestID != "" {
		fields = append(fields, tlv.String(schema.FieldRequestID, req.RequestID))
	}
	if req.Timeout > 0 {
		fields = append(fields, tlv.U32(schema.FieldTimeoutMS, uint32(req.Timeout/time.Millisecond)))
	}
	return fields, nil
}

func DecodeInvoke(fields []tlv.Field) (InvokeRequest, error) {
	if err := schema.Validate(schema.MsgInvoke, fields); err != nil {
		return InvokeRequest{}, err
	}
	var req InvokeRequest
	var err error
	if req.AssemblyName, err = tlv.StringValue(fields, schema.FieldAssemblyName); err != nil {
		return InvokeRequest{}, err
	}
	if req.TypeName, err = tlv.StringValue(fields, schema.FieldTypeName); err != nil {
		return InvokeRequest{}, err
	}
	if req.MethodName, err = tlv.StringValue(fields, schema.FieldMethodName); err != nil {
		return InvokeRequest{}, err
	}
	if req.RequestID, err = tlv.StringValue(fields, schema.FieldRequestID); err != nil {
		return InvokeRequest{}, err
	}
	argsField, _ := tlv.GetField(fields, schema.FieldArgs)
	if req.Args, err = DecodeArgs(argsField.Value); err != nil {
		return InvokeRequest{}, err
	}
	ms, ok, err := tlv.U32Value(fields, schema.FieldTimeoutMS)
	if err != nil {
		return InvokeRequest{}, err
	}
	if ok {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	return req, nil
}

// InvokeResultFields carries the exit code as the int32 bit pattern so
// negative codes survive the unsigned field.
func InvokeResultFields(res InvokeResult) []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldResults, uint32(int32(res.Results))),
		tlv.String(schema.FieldLog, res.Log),
	}
}

func DecodeInvokeResult(fields []tlv.Field) (InvokeResult, error) {
	if err := schema.Validate(schema.MsgInvokeResult, fields); err != nil {
		return InvokeResult{}, err
	}
	code, _, err := tlv.U32Value(fields, schema.FieldResults)
	if err != nil {
		return InvokeResult{}, err
	}
	logText, err := tlv.StringValue(fields, schema.FieldLog)
	if err != nil {
		return InvokeResult{}, err
	}
	return InvokeResult{Results: int(int32(code)), Log: logText}, nil
}

func ErrorFields(status, message string) []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldStatus, status),
		tlv.String(schema.FieldMessage, message),
	}
}

func DecodeError(fields []tlv.Field) *RemoteError {
	if err := schema.Validate(schema.MsgError, fields); err != nil {
		return &RemoteError{Status: StatusBadRequest, Message: "malformed error frame: " + err.Error()}
	}
	status, _ := tlv.StringValue(fields, schema.FieldStatus)
	message, _ := tlv.StringValue(fields, schema.FieldMessage)
	return &RemoteError{Status: status, Message: message}
}

// Exchange writes one request frame and reads its response. An error frame
// is returned as *RemoteError. Each direction is bounded by the earlier of
// the ctx deadline and the configured timeout, and cancelling ctx unblocks
// the connection.
func Exchange(ctx context.Context, conn net.Conn, cfg Config, messageID uint64, messageType uint32, fields []tlv.Field) (uint32, []tlv.Field, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, fmt.Errorf("session: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	limits := cfg.FrameLimits()
	_ = conn.SetWriteDeadline(deadline(ctx, cfg.WriteTimeout))
	req := frame.Frame{
		Header:  frame.Header{MessageID: messageID, MessageType: messageType},
		Payload: tlv.EncodeFields(fields),
	}
	if cfg.AuthToken != "" {
		req.Auth = []byte(cfg.AuthToken)
	}
	if err := frame.WriteFrame(conn, req, limits); err != nil {
		return 0, nil, ctxErr(ctx, err)
	}

	_ = conn.SetReadDeadline(deadline(ctx, cfg.ReadTimeout))
	resp, err := frame.ReadFrame(conn, limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, ctxErr(ctx, err)
	}
	if resp.Header.MessageID != messageID {
		return 0, nil, fmt.Errorf("%w: got %d want %d", ErrMessageIDMismatch, resp.Header.MessageID, messageID)
	}
	respFields, err := tlv.DecodeFields(resp.Payload)
	if err != nil {
		return 0, nil, err
	}
	if resp.Header.IsError() || resp.Header.MessageType == schema.MsgError {
		return schema.MsgError, nil, DecodeError(respFields)
	}
	return resp.Header.MessageType, respFields, nil
}

// deadline returns the earlier of now+timeout and the ctx deadline; the
// zero time means no deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}

// ctxErr reports the context error in place of the i/o timeout it caused.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("session: %w: %v", ctx.Err(), err)
	}
	return err
}

// WriteResponse answers the request identified by messageID.
func WriteResponse(w io.Writer, limits frame.Limits, messageID uint64, messageType uint32, fields []tlv.Field) error {
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       frame.FlagIsResponse,
		},
		Payload: tlv.EncodeFields(fields),
	}, limits)
}

// WriteError answers the request identified by messageID with an error frame.
func WriteError(w io.Writer, limits frame.Limits, messageID uint64, status, message string) error {
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: schema.MsgError,
			Flags:       frame.FlagIsResponse | frame.FlagIsError,
		},
		Payload: tlv.EncodeFields(ErrorFields(status, message)),
	}, limits)
}
