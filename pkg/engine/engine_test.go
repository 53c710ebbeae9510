package engine_test

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/radclient/pkg/allocator"
	"github.com/codelaboratoryltd/radclient/pkg/credential"
	"github.com/codelaboratoryltd/radclient/pkg/engine"
	"github.com/codelaboratoryltd/radclient/pkg/filter"
	"github.com/codelaboratoryltd/radclient/pkg/retry"
)

var _ = Describe("Transaction Engine", func() {
	var (
		logger    *zap.Logger
		transport *fakeTransport
		interest  *fakeInterest
		recorder  *fakeRecorder
		table     *retry.Table
		cfg       engine.Config
		eng       *engine.Engine
		t0        time.Time
	)

	newRequest := func(code, expected radius.Code) *engine.Request {
		attrs := radius.Attributes{}
		attrs.Add(rfc2865.UserName_Type, radius.Attribute("bob"))
		return &engine.Request{
			Name:         "test",
			Source:       "packets.txt",
			Code:         code,
			Attributes:   attrs,
			ExpectedCode: expected,
		}
	}

	build := func() {
		var err error
		eng, err = engine.New(cfg, transport, logger, engine.WithRecorder(recorder))
		Expect(err).NotTo(HaveOccurred())
		eng.SetInterest(interest)
	}

	BeforeEach(func() {
		logger = zap.NewNop()
		transport = &fakeTransport{}
		interest = &fakeInterest{}
		recorder = newFakeRecorder()
		table = retry.NewTable(retry.DefaultPolicy())
		cfg = engine.Config{Secret: secret, Retry: table}
		t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		build()
	})

	Describe("New", func() {
		It("should require a shared secret", func() {
			_, err := engine.New(engine.Config{}, transport, logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("secret"))
		})

		It("should reject an unbounded retry policy", func() {
			bad := retry.NewTable(retry.Policy{Initial: time.Second})
			_, err := engine.New(engine.Config{Secret: secret, Retry: bad}, transport, logger)
			Expect(err).To(HaveOccurred())
		})

		It("should be done with an empty batch", func() {
			Expect(eng.Done()).To(BeTrue())
			_, ok := eng.NextDeadline()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Enqueue and NextSendable", func() {
		It("should assign sequence numbers in insertion order", func() {
			a := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			b := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(a)
			eng.Enqueue(b)

			Expect(a.Seq()).To(Equal(0))
			Expect(b.Seq()).To(Equal(1))
			Expect(a.ID()).To(Equal(engine.NoID))
			Expect(a.State()).To(Equal(engine.Pending))
			Expect(eng.NextSendable()).To(BeIdenticalTo(a))
			Expect(eng.Requests()).To(HaveLen(2))
			Expect(interest.writable).To(BeTrue())
		})

		It("should move past requests already in flight", func() {
			a := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			b := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(a)
			eng.Enqueue(b)

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(eng.NextSendable()).To(BeIdenticalTo(b))

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(eng.NextSendable()).To(BeNil())

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(interest.writable).To(BeFalse(), "write interest withdrawn when nothing is sendable")
		})
	})

	Describe("Scenario: access accepted without filter", func() {
		It("should count accepted and passed", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(req.State()).To(Equal(engine.InFlight))
			Expect(req.ID()).NotTo(Equal(engine.NoID))
			Expect(req.Packet()).NotTo(BeNil())
			Expect(req.SentAt()).To(Equal(t0))
			Expect(req.Attempts()).To(Equal(1))

			transport.answer(transport.last(), radius.CodeAccessAccept, "")
			Expect(eng.OnReadable(t0.Add(10 * time.Millisecond))).To(Succeed())

			stats := eng.Stats()
			Expect(stats.Accepted).To(Equal(uint64(1)))
			Expect(stats.Passed).To(Equal(uint64(1)))
			Expect(stats.Lost).To(BeZero())
			Expect(stats.Failed).To(BeZero())
			Expect(stats.Success()).To(BeTrue())

			Expect(req.Done()).To(BeTrue())
			Expect(req.ID()).To(Equal(engine.NoID))
			Expect(req.Packet()).To(BeNil())
			Expect(req.Reply()).NotTo(BeNil())
			Expect(eng.Done()).To(BeTrue())
			Expect(eng.Outstanding()).To(BeZero())

			Expect(recorder.sent).To(Equal(1))
			Expect(recorder.replies).To(ConsistOf(radius.CodeAccessAccept))
			Expect(recorder.outcomes).To(HaveKeyWithValue(engine.OutcomePassed, 1))
		})
	})

	Describe("Scenario: access rejected with failing filter", func() {
		It("should count rejected and failed", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessReject)
			req.Filter = filter.Sort(radius.Attributes{
				{Type: rfc2865.ReplyMessage_Type, Attribute: radius.Attribute("denied")},
			})
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			transport.answer(transport.last(), radius.CodeAccessReject, "go away")
			Expect(eng.OnReadable(t0)).To(Succeed())

			stats := eng.Stats()
			Expect(stats.Rejected).To(Equal(uint64(1)))
			Expect(stats.Failed).To(Equal(uint64(1)))
			Expect(stats.Passed).To(BeZero())
			Expect(stats.Success()).To(BeFalse())
			Expect(req.Done()).To(BeTrue())
		})

		It("should fail on code mismatch even when attributes match", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			req.Filter = filter.Sort(radius.Attributes{
				{Type: rfc2865.ReplyMessage_Type, Attribute: radius.Attribute("denied")},
			})
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			transport.answer(transport.last(), radius.CodeAccessReject, "denied")
			Expect(eng.OnReadable(t0)).To(Succeed())

			Expect(eng.Stats().Failed).To(Equal(uint64(1)))
		})

		It("should count Access-Challenge as rejected", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessChallenge)
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			transport.answer(transport.last(), radius.CodeAccessChallenge, "")
			Expect(eng.OnReadable(t0)).To(Succeed())

			Expect(eng.Stats().Rejected).To(Equal(uint64(1)))
			Expect(eng.Stats().Passed).To(Equal(uint64(1)))
		})
	})

	Describe("Scenario: accounting request with no reply", func() {
		BeforeEach(func() {
			table.Set(radius.CodeAccountingRequest, retry.Policy{
				Initial:     time.Second,
				MaxInterval: 2 * time.Second,
				MaxDuration: 3 * time.Second,
				MaxCount:    2,
			})
		})

		It("should retransmit once and expire after three seconds", func() {
			req := newRequest(radius.CodeAccountingRequest, radius.CodeAccountingResponse)
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			id := req.ID()
			deadline, ok := eng.NextDeadline()
			Expect(ok).To(BeTrue())
			Expect(deadline).To(Equal(t0.Add(time.Second)))

			Expect(eng.OnTimer(t0.Add(500 * time.Millisecond))).To(Succeed())
			Expect(transport.wires).To(HaveLen(1))

			Expect(eng.OnTimer(t0.Add(time.Second))).To(Succeed())
			Expect(transport.wires).To(HaveLen(2))
			Expect(req.ID()).To(Equal(id), "retransmission keeps the identifier")
			Expect(req.Attempts()).To(Equal(2))
			Expect(transport.wires[1]).To(Equal(transport.wires[0]))

			deadline, _ = eng.NextDeadline()
			Expect(deadline).To(Equal(t0.Add(3 * time.Second)))

			Expect(eng.OnTimer(t0.Add(3 * time.Second))).To(Succeed())
			Expect(eng.Stats().Lost).To(Equal(uint64(1)))
			Expect(req.Done()).To(BeTrue())
			Expect(req.ID()).To(Equal(engine.NoID))
			Expect(req.Packet()).To(BeNil())
			Expect(eng.Outstanding()).To(BeZero())
			Expect(eng.Done()).To(BeTrue())

			_, ok = eng.NextDeadline()
			Expect(ok).To(BeFalse())
			Expect(recorder.retransmits).To(Equal(1))
			Expect(recorder.outcomes).To(HaveKeyWithValue(engine.OutcomeLost, 1))
		})

		It("should wait without retransmitting on a stream transport", func() {
			cfg.Stream = true
			build()

			req := newRequest(radius.CodeAccountingRequest, radius.CodeAccountingResponse)
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(eng.OnTimer(t0.Add(time.Second))).To(Succeed())
			Expect(transport.wires).To(HaveLen(1))
			Expect(req.State()).To(Equal(engine.InFlight))
			Expect(recorder.retransmits).To(BeZero())

			deadline, ok := eng.NextDeadline()
			Expect(ok).To(BeTrue())
			Expect(deadline).To(Equal(t0.Add(3 * time.Second)))

			Expect(eng.OnTimer(t0.Add(3 * time.Second))).To(Succeed())
			Expect(transport.wires).To(HaveLen(1))
			Expect(eng.Stats().Lost).To(Equal(uint64(1)))
			Expect(eng.Done()).To(BeTrue())
		})

		It("should still accept a reply after the first interval on a stream transport", func() {
			cfg.Stream = true
			build()

			req := newRequest(radius.CodeAccountingRequest, radius.CodeAccountingResponse)
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(eng.OnTimer(t0.Add(time.Second))).To(Succeed())

			transport.answer(transport.last(), radius.CodeAccountingResponse, "")
			Expect(eng.OnReadable(t0.Add(2 * time.Second))).To(Succeed())
			Expect(eng.Stats().Accepted).To(Equal(uint64(1)))
			Expect(eng.Done()).To(BeTrue())
		})

		It("should ignore a late reply after expiry", func() {
			req := newRequest(radius.CodeAccountingRequest, radius.CodeAccountingResponse)
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(eng.OnTimer(t0.Add(time.Second))).To(Succeed())
			Expect(eng.OnTimer(t0.Add(3 * time.Second))).To(Succeed())
			before := eng.Stats()

			transport.answer(transport.last(), radius.CodeAccountingResponse, "")
			Expect(eng.OnReadable(t0.Add(4 * time.Second))).To(Succeed())

			Expect(eng.Stats()).To(Equal(before))
		})
	})

	Describe("Credential encoding", func() {
		It("should re-encode a printable 17 byte CHAP password", func() {
			printable := []byte("seventeen-chars!!")
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			req.Password = credential.Password{Kind: credential.KindCHAP, Value: printable}
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())

			sent := transport.packets[0]
			value := sent.Attributes.Get(rfc2865.CHAPPassword_Type)
			Expect(value).To(HaveLen(credential.CHAPValueLen))
			Expect([]byte(value)).To(Equal(credential.CHAP(value[0], printable, sent.Authenticator[:])))
		})

		It("should pass a pre-encoded CHAP password through", func() {
			encoded := append([]byte{0x05}, bytes.Repeat([]byte{'x'}, 16)...)
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			req.Password = credential.Password{Kind: credential.KindCHAP, Value: encoded}
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())

			value := transport.packets[0].Attributes.Get(rfc2865.CHAPPassword_Type)
			Expect([]byte(value)).To(Equal(encoded))
		})

		It("should never write derived credentials into the template", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			req.Attributes.Add(rfc2865.UserPassword_Type, radius.Attribute("hunter2"))
			req.Password = credential.Password{Kind: credential.KindUser, Value: []byte("hunter2")}
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())

			Expect(req.Attributes.Get(rfc2865.UserPassword_Type)).To(Equal(radius.Attribute("hunter2")))
			Expect(transport.packets[0].Attributes.Get(rfc2865.UserPassword_Type)).NotTo(Equal(radius.Attribute("hunter2")))
		})

		It("should re-derive credentials on retransmission with the same vector", func() {
			table.Set(radius.CodeAccessRequest, retry.Policy{Initial: time.Second, MaxCount: 3})
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			req.Password = credential.Password{Kind: credential.KindMSCHAP, Value: []byte("clientPass")}
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(eng.OnTimer(t0.Add(time.Second))).To(Succeed())

			Expect(transport.packets).To(HaveLen(2))
			first, second := transport.packets[0], transport.packets[1]
			Expect(second.Identifier).To(Equal(first.Identifier))
			Expect(second.Authenticator).To(Equal(first.Authenticator))
			Expect(transport.wires[1]).NotTo(Equal(transport.wires[0]), "fresh MS-CHAP challenge per attempt")
		})

		It("should skip a request whose credentials cannot be encoded", func() {
			bad := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			bad.Password = credential.Password{Kind: credential.Kind(42)}
			good := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(bad)
			eng.Enqueue(good)

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(bad.Done()).To(BeTrue())
			Expect(bad.ID()).To(Equal(engine.NoID))
			Expect(transport.wires).To(BeEmpty())
			Expect(eng.Stats().Skipped).To(Equal(uint64(1)))
			Expect(eng.Outstanding()).To(BeZero())

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(good.State()).To(Equal(engine.InFlight))
			Expect(recorder.outcomes).To(HaveKeyWithValue(engine.OutcomeSkipped, 1))
		})

		It("should fail the run when every request is skipped", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			req.Password = credential.Password{Kind: credential.KindUser, Value: bytes.Repeat([]byte("x"), 200)}
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(eng.Done()).To(BeTrue())
			Expect(transport.wires).To(BeEmpty())

			stats := eng.Stats()
			Expect(stats).To(Equal(engine.Statistics{Skipped: 1}))
			Expect(stats.Success()).To(BeFalse())
		})
	})

	Describe("Message-Authenticator", func() {
		It("should be added to Status-Server", func() {
			eng.Enqueue(newRequest(radius.CodeStatusServer, radius.CodeAccessAccept))
			Expect(eng.OnWritable(t0)).To(Succeed())

			_, ok := transport.packets[0].Attributes.Lookup(rfc2869.MessageAuthenticator_Type)
			Expect(ok).To(BeTrue())
		})

		It("should be recomputed when the template carries one", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			req.Attributes.Add(rfc2869.MessageAuthenticator_Type, make(radius.Attribute, 16))
			eng.Enqueue(req)
			Expect(eng.OnWritable(t0)).To(Succeed())

			value := transport.packets[0].Attributes.Get(rfc2869.MessageAuthenticator_Type)
			Expect(value).To(HaveLen(16))
			Expect([]byte(value)).NotTo(Equal(make([]byte, 16)))
		})

		It("should not be added to plain Access-Request", func() {
			eng.Enqueue(newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept))
			Expect(eng.OnWritable(t0)).To(Succeed())

			_, ok := transport.packets[0].Attributes.Lookup(rfc2869.MessageAuthenticator_Type)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Reply correlation", func() {
		It("should not change anything for an unknown identifier", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(req)
			Expect(eng.OnWritable(t0)).To(Succeed())

			wire := append([]byte(nil), transport.last()...)
			wire[1]++
			transport.answer(wire, radius.CodeAccessAccept, "")
			Expect(eng.OnReadable(t0)).To(Succeed())

			Expect(eng.Stats()).To(Equal(engine.Statistics{}))
			Expect(req.State()).To(Equal(engine.InFlight))
			Expect(req.Reply()).To(BeNil())
			Expect(eng.Outstanding()).To(Equal(1))
		})

		It("should discard a reply that fails authenticator verification", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(req)
			Expect(eng.OnWritable(t0)).To(Succeed())

			wire := append([]byte(nil), transport.last()...)
			wire[4] ^= 0xff
			transport.answer(wire, radius.CodeAccessAccept, "")
			Expect(eng.OnReadable(t0)).To(Succeed())

			Expect(eng.Stats()).To(Equal(engine.Statistics{}))
			Expect(req.State()).To(Equal(engine.InFlight))
		})

		It("should count an undecodable reply as lost", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(req)
			Expect(eng.OnWritable(t0)).To(Succeed())

			// Attribute with an impossible length of 1.
			transport.answerRaw(transport.last(), radius.CodeAccessAccept, []byte{18, 1})
			Expect(eng.OnReadable(t0)).To(Succeed())

			Expect(eng.Stats().Lost).To(Equal(uint64(1)))
			Expect(eng.Stats().Accepted).To(BeZero())
			Expect(req.Done()).To(BeTrue())
			Expect(req.ID()).To(Equal(engine.NoID))
		})

		It("should complete requests in reply order", func() {
			a := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			b := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(a)
			eng.Enqueue(b)
			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(a.ID()).NotTo(Equal(b.ID()))

			transport.answer(transport.wires[1], radius.CodeAccessAccept, "")
			Expect(eng.OnReadable(t0)).To(Succeed())

			Expect(b.Done()).To(BeTrue())
			Expect(a.Done()).To(BeFalse())
			Expect(a.State()).To(Equal(engine.InFlight))
		})
	})

	Describe("Resend cycles", func() {
		BeforeEach(func() {
			cfg.ResendCount = 2
			build()
		})

		It("should send each request once per cycle with a new vector", func() {
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			transport.answer(transport.last(), radius.CodeAccessAccept, "")
			Expect(eng.OnReadable(t0)).To(Succeed())

			Expect(req.Done()).To(BeFalse())
			Expect(req.State()).To(Equal(engine.Pending))
			Expect(req.Resends()).To(Equal(1))
			Expect(eng.NextSendable()).To(BeIdenticalTo(req))
			Expect(interest.writable).To(BeTrue())

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(transport.packets[1].Authenticator).NotTo(Equal(transport.packets[0].Authenticator))

			transport.answer(transport.last(), radius.CodeAccessAccept, "")
			Expect(eng.OnReadable(t0)).To(Succeed())

			Expect(req.Done()).To(BeTrue())
			Expect(req.Resends()).To(Equal(2))
			Expect(eng.Stats().Passed).To(Equal(uint64(2)))
		})

		It("should reuse a preset authenticator", func() {
			vector := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
			req := newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
			req.Authenticator = &vector
			eng.Enqueue(req)

			Expect(eng.OnWritable(t0)).To(Succeed())
			transport.answer(transport.last(), radius.CodeAccessAccept, "")
			Expect(eng.OnReadable(t0)).To(Succeed())
			Expect(eng.OnWritable(t0)).To(Succeed())

			Expect(transport.packets[0].Authenticator).To(Equal(vector))
			Expect(transport.packets[1].Authenticator).To(Equal(vector))
		})
	})

	Describe("Identifier pool", func() {
		It("should hold unique identifiers and pause writes when exhausted", func() {
			reqs := make([]*engine.Request, allocator.PoolSize+1)
			for i := range reqs {
				reqs[i] = newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept)
				eng.Enqueue(reqs[i])
			}

			for i := 0; i < allocator.PoolSize; i++ {
				Expect(eng.OnWritable(t0)).To(Succeed())
			}
			Expect(eng.Outstanding()).To(Equal(allocator.PoolSize))

			seen := make(map[int]bool)
			for _, r := range reqs[:allocator.PoolSize] {
				Expect(r.ID()).To(BeNumerically(">=", 0))
				Expect(seen[r.ID()]).To(BeFalse())
				seen[r.ID()] = true
			}

			last := reqs[allocator.PoolSize]
			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(last.State()).To(Equal(engine.Pending))
			Expect(last.ID()).To(Equal(engine.NoID))
			Expect(interest.writable).To(BeFalse())

			transport.answer(transport.wires[0], radius.CodeAccessAccept, "")
			Expect(eng.OnReadable(t0)).To(Succeed())
			Expect(interest.writable).To(BeTrue(), "a release restores write interest")

			Expect(eng.OnWritable(t0)).To(Succeed())
			Expect(last.State()).To(Equal(engine.InFlight))
			Expect(last.ID()).To(Equal(0), "the released identifier is the only free one")
		})
	})

	Describe("Conservation", func() {
		It("should account for every request exactly once", func() {
			table.Set(radius.CodeAccessRequest, retry.Policy{Initial: time.Second, MaxCount: 1})
			const n = 30
			for i := 0; i < n; i++ {
				eng.Enqueue(newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept))
			}
			for i := 0; i < n; i++ {
				Expect(eng.OnWritable(t0)).To(Succeed())
			}

			// Answer in reverse order, skipping every fifth request.
			replies := 0
			for i := n - 1; i >= 0; i-- {
				switch {
				case i%5 == 0:
					continue
				case i%3 == 0:
					transport.answer(transport.wires[i], radius.CodeAccessReject, "")
				default:
					transport.answer(transport.wires[i], radius.CodeAccessAccept, "")
				}
				replies++
			}
			Expect(eng.OnReadable(t0)).To(Succeed())
			Expect(eng.OnTimer(t0.Add(time.Second))).To(Succeed())

			stats := eng.Stats()
			Expect(stats.Accepted + stats.Rejected).To(Equal(uint64(replies)))
			Expect(stats.Lost + stats.Passed + stats.Failed).To(Equal(uint64(n)))
			Expect(stats.Lost).To(Equal(uint64(6)))
			Expect(eng.Done()).To(BeTrue())

			for _, r := range eng.Requests() {
				Expect(r.ID()).To(Equal(engine.NoID))
			}
		})
	})

	Describe("Transport failure", func() {
		It("should surface send errors", func() {
			transport.sendErr = errBroken
			eng.Enqueue(newRequest(radius.CodeAccessRequest, radius.CodeAccessAccept))

			err := eng.OnWritable(t0)
			Expect(err).To(MatchError(errBroken))
			Expect(eng.Stats().Skipped).To(BeZero())
		})
	})
})
