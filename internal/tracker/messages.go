package tracker

import "github.com/danmuck/ingestctl/internal/stream"

// message is one item processed by the mailbox loop.
type message interface {
	kind() string
}

type registerMsg struct {
	id     stream.ID
	handle stream.Handle
	origin string
	reply  chan registerReply
}

type registerReply struct {
	ok  bool
	err error
}

type reportBlocksMsg struct {
	id       stream.ID
	refs     []stream.BlockRef
	metadata any
}

type deregisterMsg struct {
	id     stream.ID
	reason string
}

// snapshotMsg reads the registry from inside the loop.
type snapshotMsg struct {
	reply chan []Registration
}

func (registerMsg) kind() string     { return "register" }
func (reportBlocksMsg) kind() string { return "report_blocks" }
func (deregisterMsg) kind() string   { return "deregister" }
func (snapshotMsg) kind() string     { return "snapshot" }
