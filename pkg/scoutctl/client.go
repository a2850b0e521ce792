// Package scoutctl is a thin RPC client for scoutd, used by cmd/scoutctl.
// It plays the same "wrap one connection, expose one method per command"
// role as the teacher's pkg/client.Client, generalized from a gRPC stub to
// scoutd's fixed binary framing (pkg/rpc).
package scoutctl

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/scoutfs/scoutd/pkg/logtree"
	"github.com/scoutfs/scoutd/pkg/rpc"
	"github.com/scoutfs/scoutd/pkg/types"
)

// Client holds one connection to a running scoutd and the rid it
// identifies itself as.
type Client struct {
	conn net.Conn
	rid  uint64
	id   atomic.Uint64
}

// Dial connects to a scoutd RPC listener at addr.
func Dial(addr string, rid uint64) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, rid: rid}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(cmd rpc.Cmd, payload []byte) ([]byte, error) {
	req := &rpc.Request{Cmd: cmd, ID: c.id.Add(1), Rid: c.rid, Payload: payload}
	if err := rpc.WriteRequest(c.conn, req); err != nil {
		return nil, fmt.Errorf("write %s: %w", cmd, err)
	}

	respCmd, _, code, respPayload, err := rpc.ReadResponse(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", cmd, err)
	}
	if respCmd != cmd {
		return nil, fmt.Errorf("%s: response for wrong command %s", cmd, respCmd)
	}
	if code != 0 {
		return nil, errnoError(cmd, code)
	}
	return respPayload, nil
}

func errnoError(cmd rpc.Cmd, code int32) error {
	names := map[int32]string{
		-2: "ENOENT", -5: "EIO", -11: "EAGAIN", -12: "ENOMEM", -17: "EEXIST", -22: "EINVAL", -28: "ENOSPC",
	}
	name, ok := names[code]
	if !ok {
		name = fmt.Sprintf("errno %d", code)
	}
	return fmt.Errorf("%s: %s", cmd, name)
}

// Greeting issues GREETING, registering this client's rid with the
// server. quorum marks the mount as quorum-eligible.
func (c *Client) Greeting(fsid, version, serverTerm uint64, quorum bool) error {
	var flags types.MountedClientFlags
	if quorum {
		flags = types.FlagQuorum
	}
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], fsid)
	binary.LittleEndian.PutUint64(buf[8:], version)
	binary.LittleEndian.PutUint64(buf[16:], serverTerm)
	binary.LittleEndian.PutUint64(buf[24:], uint64(flags))
	_, err := c.call(rpc.CmdGreeting, buf)
	return err
}

// AllocInodes requests count fresh inodes and returns the starting ino
// and count actually granted.
func (c *Client) AllocInodes(count uint64) (ino, nr uint64, err error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, count)
	payload, err := c.call(rpc.CmdAllocInodes, buf)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(payload[0:]), binary.LittleEndian.Uint64(payload[8:]), nil
}

// GetLogTrees issues GET_LOG_TREES for this client's rid.
func (c *Client) GetLogTrees() (types.LogTreeRecord, error) {
	payload, err := c.call(rpc.CmdGetLogTrees, nil)
	if err != nil {
		return types.LogTreeRecord{}, err
	}
	return logtree.DecodeRecord(payload)
}

// CommitLogTrees issues COMMIT_LOG_TREES, persisting an updated record.
func (c *Client) CommitLogTrees(rec types.LogTreeRecord) error {
	_, err := c.call(rpc.CmdCommitLogTrees, logtree.EncodeRecord(rec))
	return err
}

// Roots is the set of stable root block references GET_ROOTS returns.
type Roots struct {
	FS, Logs, Srch types.BlockRef
}

// GetRoots issues GET_ROOTS.
func (c *Client) GetRoots() (Roots, error) {
	payload, err := c.call(rpc.CmdGetRoots, nil)
	if err != nil {
		return Roots{}, err
	}
	getRef := func(off int) types.BlockRef {
		return types.BlockRef{Blkno: binary.LittleEndian.Uint64(payload[off:]), Seq: binary.LittleEndian.Uint64(payload[off+8:])}
	}
	return Roots{FS: getRef(0), Logs: getRef(16), Srch: getRef(32)}, nil
}

// AdvanceSeq issues ADVANCE_SEQ, returning the new transaction sequence
// opened on this client's behalf.
func (c *Client) AdvanceSeq() (uint64, error) {
	payload, err := c.call(rpc.CmdAdvanceSeq, nil)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// GetLastSeq issues GET_LAST_SEQ.
func (c *Client) GetLastSeq() (uint64, error) {
	payload, err := c.call(rpc.CmdGetLastSeq, nil)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// GetVolOpt issues GET_VOLOPT for bit.
func (c *Client) GetVolOpt(bit types.VolOptBit) (uint64, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(bit))
	payload, err := c.call(rpc.CmdGetVolOpt, buf)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// SetVolOpt issues SET_VOLOPT, setting bit to value.
func (c *Client) SetVolOpt(bit types.VolOptBit, value uint64) error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], uint64(bit))
	binary.LittleEndian.PutUint64(buf[8:], value)
	_, err := c.call(rpc.CmdSetVolOpt, buf)
	return err
}

// ClearVolOpt issues CLEAR_VOLOPT for bit.
func (c *Client) ClearVolOpt(bit types.VolOptBit) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(bit))
	_, err := c.call(rpc.CmdClearVolOpt, buf)
	return err
}

// Farewell issues FAREWELL, returning whether the server held it back
// pending quorum.
func (c *Client) Farewell() (held bool, err error) {
	payload, err := c.call(rpc.CmdFarewell, nil)
	if err != nil {
		return false, err
	}
	return len(payload) == 1 && payload[0] == 1, nil
}
