// Package protocol defines the JSON wire protocol spoken between a LabKit
// client and a hub data server. Both internal/transport (the client side)
// and internal/simulator (the server side) build on these types.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APILevel is the protocol revision this client implements. The hub rejects
// hello requests carrying a level it does not serve.
const APILevel = 6

// RPC endpoint path on the hub.
const EndpointPath = "/rpc"

// Method names.
const (
	MethodHello            = "hello"
	MethodListNodes        = "listNodes"
	MethodListNodesInfo    = "listNodesInfo"
	MethodGet              = "get"
	MethodSet              = "set"
	MethodSubscribe        = "subscribe"
	MethodUnsubscribe      = "unsubscribe"
	MethodSync             = "sync"
	MethodConnectDevice    = "connectDevice"
	MethodDisconnectDevice = "disconnectDevice"
	MethodUpdate           = "update" // push only, hub -> client
)

// Error codes returned by the hub.
const (
	CodeBadRequest     = 1
	CodeUnknownMethod  = 2
	CodeNodeNotFound   = 3
	CodeReadOnly       = 4
	CodeTypeMismatch   = 5
	CodeDeviceNotFound = 6
	CodeDeviceBusy     = 7
	CodeUnsupported    = 8
	CodeInternal       = 9
)

// Request is a client -> hub message. IDs are strictly increasing per
// connection; the hub echoes the ID in its response.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a hub -> client message. A push carries ID 0 and
// Method "update".
type Response struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a hub-level failure attached to a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("hub error %d: %s", e.Code, e.Message)
}

// Errorf builds a hub error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Update is the payload of a push response.
type Update struct {
	Updates []Value `json:"updates"`
}

// Hello handshake.
type HelloParams struct {
	Client   string `json:"client"`
	Version  string `json:"version"`
	APILevel int    `json:"apiLevel"`
}

type HelloResult struct {
	Server   string `json:"server"`
	Version  string `json:"version"`
	Revision int64  `json:"revision"`
	APILevel int    `json:"apiLevel"`
}

// ListNodesParams selects a subtree and filters the listing.
type ListNodesParams struct {
	Path          string `json:"path"`
	Recursive     bool   `json:"recursive"`
	LeavesOnly    bool   `json:"leavesOnly"`
	SettingsOnly  bool   `json:"settingsOnly"`
	StreamingOnly bool   `json:"streamingOnly"`
}

type ListNodesInfoParams struct {
	Path string `json:"path"`
}

// GetParams reads one or more nodes. Deep forces a device round trip
// instead of answering from the hub cache.
type GetParams struct {
	Paths []string `json:"paths"`
	Deep  bool     `json:"deep"`
}

type SetParams struct {
	Items []SetItem `json:"items"`
}

type SubscribeParams struct {
	Paths []string `json:"paths"`
}

type SubscribeResult struct {
	Count int `json:"count"`
}

type ConnectDeviceParams struct {
	Serial    string `json:"serial"`
	Interface string `json:"interface,omitempty"`
}

type DisconnectDeviceParams struct {
	Serial string `json:"serial"`
}

// DevicesNodePath is the hub node holding the device registry JSON.
const DevicesNodePath = "/hub/devices"

// Device registry STATUSFLAGS bits.
const (
	StatusFlagUpdating    = 1 << 8
	StatusFlagFWOldBits   = 1<<4 | 1<<5
	StatusFlagFWNewerBits = 1<<6 | 1<<7
)

// CanonicalPath lower-cases a node path and guarantees a single leading
// slash with no trailing slash. Paths are case-insensitive on the wire;
// this is the form used everywhere client-side.
func CanonicalPath(path string) string {
	p := strings.ToLower(strings.TrimSpace(path))
	p = strings.Trim(p, "/")
	return "/" + p
}

// JoinPath joins path elements into a canonical path.
func JoinPath(elems ...string) string {
	return CanonicalPath(strings.Join(elems, "/"))
}
