package engine_test

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"time"

	. "github.com/onsi/gomega"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/codelaboratoryltd/radclient/pkg/codec"
)

var secret = []byte("testing123")

// fakeTransport captures sent packets and serves scripted replies.
type fakeTransport struct {
	wires   [][]byte
	packets []*radius.Packet
	inbox   []codec.Reply
	sendErr error
}

func (f *fakeTransport) EncodeAndSend(pkt *radius.Packet) ([]byte, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	b, err := codec.Encode(pkt)
	if err != nil {
		return nil, err
	}
	f.wires = append(f.wires, b)
	f.packets = append(f.packets, pkt)
	return b, nil
}

func (f *fakeTransport) TryReceive() (codec.Reply, bool) {
	if len(f.inbox) == 0 {
		return codec.Reply{}, false
	}
	r := f.inbox[0]
	f.inbox = f.inbox[1:]
	return r, true
}

func (f *fakeTransport) last() []byte {
	ExpectWithOffset(1, f.wires).NotTo(BeEmpty())
	return f.wires[len(f.wires)-1]
}

// answer queues a server reply to the request bytes in wire.
func (f *fakeTransport) answer(wire []byte, code radius.Code, message string) {
	req, err := radius.Parse(wire, secret)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	resp := req.Response(code)
	if message != "" {
		ExpectWithOffset(1, rfc2865.ReplyMessage_SetString(resp, message)).To(Succeed())
	}
	b, err := resp.Encode()
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	f.queue(b)
}

// answerRaw queues a reply with arbitrary attribute bytes and a valid
// response authenticator.
func (f *fakeTransport) answerRaw(wire []byte, code radius.Code, attrs []byte) {
	b := make([]byte, codec.HeaderLen+len(attrs))
	b[0] = byte(code)
	b[1] = wire[1]
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	copy(b[4:20], wire[4:20])
	copy(b[20:], attrs)

	h := md5.New()
	h.Write(b)
	h.Write(secret)
	copy(b[4:20], h.Sum(nil))
	f.queue(b)
}

func (f *fakeTransport) queue(b []byte) {
	r, err := codec.Peek(b)
	ExpectWithOffset(2, err).NotTo(HaveOccurred())
	f.inbox = append(f.inbox, r)
}

type fakeInterest struct {
	writable bool
	toggles  int
}

func (i *fakeInterest) SetWritable(on bool) {
	if on != i.writable {
		i.toggles++
	}
	i.writable = on
}

type fakeRecorder struct {
	sent, retransmits int
	replies           []radius.Code
	outcomes          map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: make(map[string]int)}
}

func (r *fakeRecorder) RequestSent(_ radius.Code, retransmit bool) {
	if retransmit {
		r.retransmits++
		return
	}
	r.sent++
}

func (r *fakeRecorder) ReplyReceived(code radius.Code, _ time.Duration) {
	r.replies = append(r.replies, code)
}

func (r *fakeRecorder) Completed(outcome string) {
	r.outcomes[outcome]++
}

var errBroken = errors.New("socket broken")
