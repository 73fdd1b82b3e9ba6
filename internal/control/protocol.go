// Package control implements the daemon control plane: a local HTTP
// endpoint exposing stop, status and cfgChanged calls plus a websocket
// status feed, and the client the CLI uses to reach it.
//
// Wire format:
//
//	POST /rpc     {"method": "status"}  ->  {"result": "Daemon is running. ..."}
//	GET  /ws      websocket, one StatusMessage per status change
//	GET  /health  {"status": "ok"}
package control

import (
	"encoding/json"
	"errors"
	"syscall"
	"time"
)

// Method names an RPC call.
type Method string

const (
	// MethodStop ends the control server after the reply is sent.
	MethodStop Method = "stop"

	// MethodStatus returns the scheduler status text.
	MethodStatus Method = "status"

	// MethodCfgChanged asks the scheduler to reload its task list.
	MethodCfgChanged Method = "cfgChanged"
)

// Request is the body of POST /rpc.
type Request struct {
	Method Method `json:"method"`
}

// Response is the reply of POST /rpc. Exactly one field is set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusMessage is pushed on the websocket feed.
type StatusMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// MessageTypeStatus is the Type of every StatusMessage.
const MessageTypeStatus = "status"

var (
	// ErrUnreachable is returned by the client when no daemon answers.
	ErrUnreachable = errors.New("daemon is not reachable")

	// ErrBindConflict is returned by Server.Listen when the control
	// address is taken, which means another daemon is running.
	ErrBindConflict = errors.New("control address already in use")
)

// IsBindConflict reports whether err means the control address is taken.
func IsBindConflict(err error) bool {
	return errors.Is(err, ErrBindConflict) || errors.Is(err, syscall.EADDRINUSE)
}
