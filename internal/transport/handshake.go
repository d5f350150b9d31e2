package transport

import (
	"context"
	"net"
	"time"

	"github.com/ventosilenzioso/bae0net/internal/admission"
	"github.com/ventosilenzioso/bae0net/internal/conn"
	"github.com/ventosilenzioso/bae0net/internal/wire"
)

const (
	tokenLen = 20 // xid.ID.String() length
	macLen   = 32 // HMAC-SHA256 output length
)

// Control message ids prefix the payload of CONNECTING-state datagrams
// only, the same tagged-payload convention as the teacher's RakNet
// packet ids (ID_CONNECTION_REQUEST, ID_CONNECTION_REQUEST_ACCEPTED,
// ...): wire.Header carries no message-type field of its own, so the
// handshake layers one byte of its own framing on top, same as conn's
// order-index prefix does for ordered channels.
const (
	msgConnectRequest     byte = 0x01
	msgChallenge          byte = 0x02
	msgChallengeResponse  byte = 0x03
	msgConnectAccepted    byte = 0x04
	msgConnectRejected    byte = 0x05
)

// handleDatagram is the entry point for every inbound UDP datagram:
// admission, decode, and either handshake or steady-state delivery.
func (d *Dispatcher) handleDatagram(data []byte, addr *net.UDPAddr) {
	now := time.Now()

	if decision := d.gate.Check(addr, data, now); decision != admission.Allow {
		if d.metrics != nil {
			d.metrics.AdmissionRejects.WithLabelValues(decision.String()).Inc()
			if decision == admission.RejectOversized || decision == admission.RejectRateLimited {
				d.metrics.BansIssued.Inc()
			}
		}
		return
	}

	h, payload, err := wire.Decode(data, now)
	if err != nil {
		if d.metrics != nil {
			d.metrics.PacketsDropped.WithLabelValues(err.Error()).Inc()
		}
		return
	}
	if d.metrics != nil {
		d.metrics.BytesReceived.Add(float64(len(data)))
	}

	addrKey := addr.String()
	c, created := d.getOrCreateConnection(addrKey)

	if created {
		// Count the record before any check can drop it, so that
		// removeConnection's release always matches this one count.
		tooMany := d.gate.OnConnectionOpened(addr.IP.String())
		if decision := d.gate.CheckNewConnection(addr, now); decision != admission.Allow {
			d.removeConnection(addrKey)
			if d.metrics != nil {
				d.metrics.AdmissionRejects.WithLabelValues(decision.String()).Inc()
				d.metrics.BansIssued.Inc()
			}
			return
		}
		if tooMany {
			d.gate.Ban(addrKey, "Too many connections from this address", now)
			d.removeConnection(addrKey)
			if d.metrics != nil {
				d.metrics.AdmissionRejects.WithLabelValues(admission.RejectBanned.String()).Inc()
				d.metrics.BansIssued.Inc()
			}
			return
		}
	}

	if decision := d.gate.CheckQueue(addrKey, c.Stats().PacketsInFlight, now); decision != admission.Allow {
		if d.metrics != nil {
			d.metrics.AdmissionRejects.WithLabelValues(decision.String()).Inc()
			d.metrics.BansIssued.Inc()
		}
		return
	}

	if c.State() != conn.Connected {
		d.handleHandshake(c, addrKey, payload, now)
		return
	}

	processStart := time.Now()
	delivered, shouldAck, err := c.HandleIncoming(h, payload, now)
	if err != nil {
		if d.metrics != nil {
			d.metrics.PacketsDropped.WithLabelValues("conn_error").Inc()
		}
		return
	}
	if time.Since(processStart) > d.gate.MaxProcessingTime() {
		// spec.md §4.6 step 6: processing took too long. This is a
		// fatal error for this one datagram only, not a ban.
		if d.metrics != nil {
			d.metrics.PacketsDropped.WithLabelValues("processing_deadline_exceeded").Inc()
		}
		return
	}
	if shouldAck {
		d.sendAck(addrKey, h.Sequence)
	}
	for _, p := range delivered {
		if d.handler != nil {
			d.handler(addrKey, p)
		}
	}
}

func (d *Dispatcher) sendAck(addrKey string, seq uint32) {
	h := wire.Header{
		Sequence:    1,
		AckSequence: seq,
		Flags:       wire.HasAcks,
		Timestamp:   uint32(time.Now().Unix()),
	}
	frame, err := wire.Encode(h, nil)
	if err != nil {
		return
	}
	d.sendTo(addrKey, frame)
}

// handleHandshake drives a CONNECTING peer through the integrity
// challenge/response exchange before promoting it to CONNECTED.
func (d *Dispatcher) handleHandshake(c *conn.Connection, addrKey string, payload []byte, now time.Time) {
	if len(payload) == 0 {
		return
	}
	msgType, body := payload[0], payload[1:]

	switch msgType {
	case msgConnectRequest:
		challenge := d.verifier.Issue(body)
		resp := append([]byte{msgChallenge}, []byte(challenge.Token)...)
		d.sendControl(addrKey, resp, now)

	case msgChallengeResponse:
		if len(body) < tokenLen+macLen {
			return
		}
		token, mac, hwid := string(body[:tokenLen]), body[tokenLen:tokenLen+macLen], body[tokenLen+macLen:]
		if !d.verifier.Verify(token, mac) {
			d.failIntegrity(c, addrKey, now)
			return
		}
		if d.hwid != nil && len(hwid) > 0 {
			ok, err := d.hwid.CheckHWID(context.Background(), string(hwid))
			if err != nil || !ok {
				d.failIntegrity(c, addrKey, now)
				return
			}
		}
		c.ResetIntegrityFailures()
		c.SetState(conn.Connected)
		d.sendControl(addrKey, []byte{msgConnectAccepted}, now)
	}
}

// failIntegrity records one failed challenge response against c and,
// once maxIntegrityFailures consecutive failures have accumulated,
// bans the peer and drops its connection record (spec.md §4.7 item 2
// and the banned-after-three-failures scenario in §8).
func (d *Dispatcher) failIntegrity(c *conn.Connection, addrKey string, now time.Time) {
	if d.metrics != nil {
		d.metrics.IntegrityFailures.Inc()
	}

	failures := c.BumpIntegrityFailure()
	d.sendControl(addrKey, []byte{msgConnectRejected}, now)
	if failures < d.cfg.MaxIntegrityFailures {
		return
	}

	d.gate.Ban(addrKey, "integrity violations", now)
	if d.metrics != nil {
		d.metrics.BansIssued.Inc()
	}
	d.removeConnection(addrKey)
}

func (d *Dispatcher) sendControl(addrKey string, body []byte, now time.Time) {
	h := wire.Header{
		Sequence:  1,
		Timestamp: uint32(now.Unix()),
	}
	frame, err := wire.Encode(h, body)
	if err != nil {
		return
	}
	d.sendTo(addrKey, frame)
}
