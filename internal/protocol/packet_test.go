package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReply_CopiesPayload(t *testing.T) {
	pool := NewBufferPool()
	buf := pool.Get(2)
	copy(buf, "hi")
	req := &Packet{MsgID: "Echo", MsgSeq: 7, StageID: 3, Payload: buf, pool: pool}

	rep := NewReply(req, "EchoReply", CodeSuccess, req.Payload)
	require.Equal(t, []byte("hi"), rep.Payload)
	assert.Equal(t, uint16(7), rep.MsgSeq)
	assert.Equal(t, int64(3), rep.StageID)
	assert.True(t, rep.Reply)

	// The request buffer goes back to the pool and gets rewritten; the
	// reply must not notice.
	req.Release()
	copy(buf, "XX")
	assert.Equal(t, []byte("hi"), rep.Payload)
	assert.Nil(t, rep.pool, "a reply owns a plain copy, never a pooled buffer")
}

func TestNewReply_NilPayload(t *testing.T) {
	req := &Packet{MsgID: "Req", MsgSeq: 1}
	rep := NewReply(req, "Res", CodeSuccess, nil)
	assert.Nil(t, rep.Payload)
}

func TestPacket_Clone_PooledPayloadCopied(t *testing.T) {
	pool := NewBufferPool()
	buf := pool.Get(3)
	copy(buf, "abc")
	p := &Packet{MsgID: "News", StageID: 5, Payload: buf, pool: pool}

	c := p.Clone()
	require.Equal(t, []byte("abc"), c.Payload)
	assert.Equal(t, p.MsgID, c.MsgID)
	assert.Equal(t, p.StageID, c.StageID)
	assert.Nil(t, c.pool)

	// Releasing the original must not disturb the clone, and releasing
	// the clone must not feed the pool a second time.
	p.Release()
	copy(buf, "zzz")
	assert.Equal(t, []byte("abc"), c.Payload)
	c.Release()
	assert.Equal(t, []byte("abc"), c.Payload, "releasing an unpooled clone is a no-op")
}

func TestPacket_Clone_UnpooledPayloadShared(t *testing.T) {
	p := &Packet{MsgID: "News", Payload: []byte("x")}
	c := p.Clone()
	assert.NotSame(t, p, c)
	assert.Equal(t, p.Payload, c.Payload)
}
