package chirp

import (
	"io"
	"testing"
	"time"
)

func TestWriterDequeuePrefersCntlOverData(t *testing.T) {
	node := testNode(t, nil)
	server, _ := testConnPair(t, node)
	r := newRemote(testKey(1))
	server.remote = r

	data := &Message{}
	cntl := &Message{Type: TypeAck}
	r.enqueueData(data)
	r.enqueueCntl(cntl)

	msg, ack := server.writer.dequeue(r, false)
	if msg != cntl {
		t.Fatalf("dequeue did not prefer the cntl queue")
	}
	if ack {
		t.Fatalf("cntl dequeue must never request an ack wait")
	}

	msg, _ = server.writer.dequeue(r, false)
	if msg != data {
		t.Fatalf("dequeue did not fall back to the data queue")
	}
}

func TestWriterDequeueSynchronousGating(t *testing.T) {
	node := testNode(t, nil)
	server, _ := testConnPair(t, node)
	r := newRemote(testKey(1))
	server.remote = r

	m1 := &Message{}
	m2 := &Message{}
	r.enqueueData(m1)
	r.enqueueData(m2)

	msg, ack := server.writer.dequeue(r, true)
	if msg != m1 || !ack {
		t.Fatalf("expected first data message with ack=true")
	}
	if r.waitAck != m1 {
		t.Fatalf("waitAck not set to the dequeued message")
	}
	if !msg.Type.Has(TypeReqAck) {
		t.Fatalf("synchronous dequeue must set TypeReqAck")
	}

	// A second dequeue must be gated until the ack arrives.
	msg, _ = server.writer.dequeue(r, true)
	if msg != nil {
		t.Fatalf("expected nil while a message is awaiting ack, got %v", msg)
	}

	r.waitAck = nil
	msg, ack = server.writer.dequeue(r, true)
	if msg != m2 || !ack {
		t.Fatalf("expected second data message once waitAck cleared")
	}
}

func TestWriterDequeueAsynchronousClearsReqAck(t *testing.T) {
	node := testNode(t, nil)
	server, _ := testConnPair(t, node)
	r := newRemote(testKey(1))
	server.remote = r
	r.enqueueData(&Message{Type: TypeReqAck})

	msg, ack := server.writer.dequeue(r, false)
	if ack {
		t.Fatalf("asynchronous dequeue must not request an ack wait")
	}
	if msg.Type.Has(TypeReqAck) {
		t.Fatalf("asynchronous dequeue must clear TypeReqAck")
	}
}

func TestWriterSendNonAckFinishesImmediately(t *testing.T) {
	node := testNode(t, nil)
	server, client := testConnPair(t, node)
	r := newRemote(testKey(1))
	server.remote = r

	var gotStatus Status
	done := make(chan struct{})
	msg := &Message{Header: []byte("h"), Data: []byte("hello"), sendCB: func(m *Message, st Status) {
		gotStatus = st
		close(done)
	}}

	readDone := make(chan []byte)
	go func() {
		buf := make([]byte, WireHeaderSize+len(msg.Header)+len(msg.Data))
		io.ReadFull(client.rw, buf)
		readDone <- buf
	}()

	if st := server.writer.send(msg, false); st != StatusSuccess {
		t.Fatalf("send: %v", st)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sendCB not invoked")
	}
	if gotStatus != StatusSuccess {
		t.Fatalf("sendCB status = %v, want StatusSuccess", gotStatus)
	}
	if !msg.flags.has(flagWriteDone) || !msg.flags.has(flagAckReceived) {
		t.Fatalf("expected write-done and ack-received flags set for a non-ack send")
	}

	buf := <-readDone
	hdr, err := DecodeHeader(buf[:WireHeaderSize])
	if err != nil {
		t.Fatalf("decode wire header: %v", err)
	}
	if hdr.HeaderLen != 1 || hdr.DataLen != 5 {
		t.Fatalf("unexpected header lengths: %+v", hdr)
	}
	if string(buf[WireHeaderSize:WireHeaderSize+1]) != "h" {
		t.Fatalf("header bytes mismatch")
	}
	if string(buf[WireHeaderSize+1:]) != "hello" {
		t.Fatalf("data bytes mismatch")
	}
}

func TestWriterSendAwaitAckArmsTimeoutAndOnAckClearsIt(t *testing.T) {
	node := testNode(t, nil)
	server, client := testConnPair(t, node)
	r := newRemote(testKey(1))
	server.remote = r

	msg := &Message{Serial: 7}
	r.waitAck = msg

	go io.Copy(io.Discard, client.rw)

	if st := server.writer.send(msg, true); st != StatusSuccess {
		t.Fatalf("send: %v", st)
	}
	if server.writer.timeoutTimer == nil {
		t.Fatalf("expected a timeout timer to be armed while awaiting ack")
	}
	// send stamps msg.Identity with the node's own identity; the peer's ACK
	// echoes that value back, so onAck is matched against it here too.
	server.writer.onAck(msg.Identity)
	if r.waitAck != nil {
		t.Fatalf("onAck did not clear waitAck")
	}
	if !msg.flags.has(flagAckReceived) {
		t.Fatalf("onAck did not mark the message ack-received")
	}
}

func TestWriterMaybeNoopProbeEnqueuesOnlyOnce(t *testing.T) {
	node := testNode(t, nil)
	server, _ := testConnPair(t, node)
	r := newRemote(testKey(1))
	r.timestamp = time.Now().Add(-node.cfg.ReuseTime) // well past the 3/4 idle threshold
	server.remote = r

	server.writer.maybeNoopProbe(r, &node.cfg)
	if len(r.cntlQueue) != 1 {
		t.Fatalf("expected one queued NOOP, got %d", len(r.cntlQueue))
	}
	server.writer.maybeNoopProbe(r, &node.cfg)
	if len(r.cntlQueue) != 1 {
		t.Fatalf("maybeNoopProbe enqueued a second NOOP before the first was sent")
	}
}
