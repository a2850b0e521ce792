// Package rpc implements the server's request dispatch and wire framing:
// request {cmd:u8, id:u64, rid:u64, len:u16, payload}, response
// {cmd:u8, id:u64, error:i32, len:u16, payload}, one response per
// request. Framing is plain encoding/binary over net.Conn rather than a
// general-purpose RPC framework, since the wire format is fixed by the
// protocol this server must speak, not something this server gets to
// choose.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/log"
	"github.com/scoutfs/scoutd/pkg/metrics"
)

// Cmd is one of the closed set of request commands.
type Cmd uint8

const (
	CmdGreeting Cmd = iota + 1
	CmdAllocInodes
	CmdGetLogTrees
	CmdCommitLogTrees
	CmdGetRoots
	CmdAdvanceSeq
	CmdGetLastSeq
	CmdLock
	CmdLockRecover
	CmdSrchGetCompact
	CmdSrchCommitCompact
	CmdOpenInoMap
	CmdGetVolOpt
	CmdSetVolOpt
	CmdClearVolOpt
	CmdFarewell
)

var cmdNames = map[Cmd]string{
	CmdGreeting:          "GREETING",
	CmdAllocInodes:       "ALLOC_INODES",
	CmdGetLogTrees:       "GET_LOG_TREES",
	CmdCommitLogTrees:    "COMMIT_LOG_TREES",
	CmdGetRoots:          "GET_ROOTS",
	CmdAdvanceSeq:        "ADVANCE_SEQ",
	CmdGetLastSeq:        "GET_LAST_SEQ",
	CmdLock:              "LOCK",
	CmdLockRecover:       "LOCK_RECOVER",
	CmdSrchGetCompact:    "SRCH_GET_COMPACT",
	CmdSrchCommitCompact: "SRCH_COMMIT_COMPACT",
	CmdOpenInoMap:        "OPEN_INO_MAP",
	CmdGetVolOpt:         "GET_VOLOPT",
	CmdSetVolOpt:         "SET_VOLOPT",
	CmdClearVolOpt:       "CLEAR_VOLOPT",
	CmdFarewell:          "FAREWELL",
}

func (c Cmd) String() string {
	if n, ok := cmdNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

const headerSize = 1 + 8 + 8 + 2 // cmd, id, rid, len

// Request is one incoming RPC.
type Request struct {
	Cmd     Cmd
	ID      uint64
	Rid     uint64
	Payload []byte
}

// ReadRequest reads one framed request off r.
func ReadRequest(r io.Reader) (*Request, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	req := &Request{
		Cmd: Cmd(hdr[0]),
		ID:  binary.LittleEndian.Uint64(hdr[1:9]),
		Rid: binary.LittleEndian.Uint64(hdr[9:17]),
	}
	length := binary.LittleEndian.Uint16(hdr[17:19])

	if length > 0 {
		req.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, req.Payload); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// WriteRequest writes one framed request to w; used by clients issuing
// commands against the server (e.g. cmd/scoutctl).
func WriteRequest(w io.Writer, req *Request) error {
	hdr := make([]byte, headerSize)
	hdr[0] = byte(req.Cmd)
	binary.LittleEndian.PutUint64(hdr[1:9], req.ID)
	binary.LittleEndian.PutUint64(hdr[9:17], req.Rid)
	binary.LittleEndian.PutUint16(hdr[17:19], uint16(len(req.Payload)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(req.Payload) > 0 {
		if _, err := w.Write(req.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadResponse reads one framed response off r.
func ReadResponse(r io.Reader) (cmd Cmd, id uint64, code int32, payload []byte, err error) {
	hdr := make([]byte, 1+8+4+2)
	if _, err = io.ReadFull(r, hdr); err != nil {
		return
	}
	cmd = Cmd(hdr[0])
	id = binary.LittleEndian.Uint64(hdr[1:9])
	code = int32(binary.LittleEndian.Uint32(hdr[9:13]))
	length := binary.LittleEndian.Uint16(hdr[13:15])
	if length > 0 {
		payload = make([]byte, length)
		if _, err = io.ReadFull(r, payload); err != nil {
			return
		}
	}
	return
}

// WriteResponse writes one framed response to w.
func WriteResponse(w io.Writer, cmd Cmd, id uint64, code int32, payload []byte) error {
	hdr := make([]byte, 1+8+4+2)
	hdr[0] = byte(cmd)
	binary.LittleEndian.PutUint64(hdr[1:9], id)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(code))
	binary.LittleEndian.PutUint16(hdr[13:15], uint16(len(payload)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ErrnoCode maps an error to the canonical errno-style code this
// server's commands return at the wire boundary: INVAL(-22), IO(-5),
// NOMEM(-12), NOENT(-2), NOSPC(-28), AGAIN(-11), EXIST(-17). An
// unrecognized error maps to IO, the conservative "something went wrong
// on this side" code.
func ErrnoCode(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errs.Inval), errors.Is(err, errs.NameTooLong), errors.Is(err, errs.NotEmpty):
		return -22
	case errors.Is(err, errs.NoMem):
		return -12
	case errors.Is(err, errs.NoEnt):
		return -2
	case errors.Is(err, errs.NoSpc):
		return -28
	case errors.Is(err, errs.Again), errors.Is(err, errs.Stale):
		return -11
	case errors.Is(err, errs.Exist):
		return -17
	default:
		return -5
	}
}

// Handler processes one command's payload and returns the response
// payload, or an error to be translated via ErrnoCode.
type Handler func(req *Request) ([]byte, error)

// ExpectedLen is the fixed payload size validated before dispatch, per
// command; commands with variable-length payloads are omitted and must
// validate their own length inside the handler.
type ExpectedLen map[Cmd]int

// Dispatcher routes requests to registered handlers.
type Dispatcher struct {
	handlers    map[Cmd]Handler
	expectedLen ExpectedLen
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(expectedLen ExpectedLen) *Dispatcher {
	return &Dispatcher{handlers: make(map[Cmd]Handler), expectedLen: expectedLen}
}

// Register installs the handler for cmd.
func (d *Dispatcher) Register(cmd Cmd, h Handler) {
	d.handlers[cmd] = h
}

// Dispatch validates payload length and runs cmd's handler, returning
// the response payload and errno-style code.
func (d *Dispatcher) Dispatch(req *Request) ([]byte, int32) {
	timer := metrics.NewTimer()
	cmdLabel := req.Cmd.String()

	if want, ok := d.expectedLen[req.Cmd]; ok && len(req.Payload) != want {
		metrics.RPCRequestsTotal.WithLabelValues(cmdLabel, "inval").Inc()
		timer.ObserveDurationVec(metrics.RPCRequestDuration, cmdLabel)
		return nil, -22
	}

	h, ok := d.handlers[req.Cmd]
	if !ok {
		metrics.RPCRequestsTotal.WithLabelValues(cmdLabel, "inval").Inc()
		timer.ObserveDurationVec(metrics.RPCRequestDuration, cmdLabel)
		return nil, -22
	}

	payload, err := h(req)
	timer.ObserveDurationVec(metrics.RPCRequestDuration, cmdLabel)

	code := ErrnoCode(err)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.Logger.Error().Err(err).Str("cmd", cmdLabel).Uint64("id", req.ID).Uint64("rid", req.Rid).Msg("rpc handler failed")
	}
	metrics.RPCRequestsTotal.WithLabelValues(cmdLabel, outcome).Inc()

	return payload, code
}

// Serve reads requests off conn until it closes, dispatching each and
// writing exactly one response per request.
func (d *Dispatcher) Serve(conn net.Conn) {
	defer conn.Close()

	for {
		req, err := ReadRequest(conn)
		if err != nil {
			if err != io.EOF {
				log.Logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("rpc read failed")
			}
			return
		}

		payload, code := d.Dispatch(req)
		if err := WriteResponse(conn, req.Cmd, req.ID, code, payload); err != nil {
			log.Logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("rpc write failed")
			return
		}
	}
}
