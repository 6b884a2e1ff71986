package sip

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"voicegate-server/pkg/core"
	"voicegate-server/pkg/metrics"
)

const (
	registerTimeout = 10 * time.Second
	registerBackoff = 30 * time.Second
	maxAuthAttempts = 3
)

// StartRegistration kicks off the registration cycle. Refresh and failure
// retry are self-scheduling; calling this again while a cycle is in flight is
// a no-op.
func (e *Engine) StartRegistration() {
	e.enqueue(e.startRegister)
}

// Registered reports whether the engine currently holds a valid registration.
func (e *Engine) Registered() bool {
	var out bool
	e.call(func() { out = e.registered })
	return out
}

// startRegister runs on the command loop.
func (e *Engine) startRegister() {
	if e.registering {
		return
	}
	e.registering = true
	go e.doRegister(e.regCSeq)
}

// doRegister performs one REGISTER exchange off the command loop and posts
// the outcome back. The first attempt is unauthenticated; a 401/407 challenge
// is answered once with a computed digest and an incremented CSeq.
func (e *Engine) doRegister(cseq uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	registrar := e.cfg.RegistrarAddr
	if registrar == "" {
		var err error
		registrar, err = e.resolver.RegistrarAddr(ctx, e.cfg.Domain, e.cfg.Transport)
		if err != nil {
			e.enqueue(func() {
				e.finishRegister(0, cseq, core.WrapError(core.CodeRegistrationFailed, err,
					"resolving registrar for %s", e.cfg.Domain))
			})
			return
		}
	}

	callID := uuid.NewString()
	expires := e.cfg.Expires
	next := cseq
	authName, authValue := "", ""

	for attempt := 0; attempt < maxAuthAttempts; attempt++ {
		next++
		req := e.buildRegister(registrar, callID, next, authName, authValue)

		resp, err := e.tr.Do(ctx, req, nil)
		if err != nil {
			final := core.WrapError(core.CodeRegistrationFailed, err, "REGISTER to %s failed", registrar)
			nextOut := next
			e.enqueue(func() { e.finishRegister(0, nextOut, final) })
			return
		}

		status := int(resp.StatusCode)
		switch {
		case status == 200:
			if h := resp.GetHeader("Expires"); h != nil {
				if v, convErr := strconv.Atoi(strings.TrimSpace(h.Value())); convErr == nil && v > 0 {
					expires = v
				}
			}
			nextOut := next
			grantedExpires := expires
			e.enqueue(func() { e.finishRegister(grantedExpires, nextOut, nil) })
			return

		case status == 401 || status == 407:
			if authValue != "" {
				final := core.NewError(core.CodeRegistrationFailed,
					"registrar rejected credentials for %s (SIP %d)", e.cfg.Identity, status)
				nextOut := next
				e.enqueue(func() { e.finishRegister(0, nextOut, final) })
				return
			}
			var chErr error
			authName, authValue, chErr = e.answerChallenge(req, resp, status)
			if chErr != nil {
				final := core.WrapError(core.CodeRegistrationFailed, chErr, "answering registrar challenge")
				nextOut := next
				e.enqueue(func() { e.finishRegister(0, nextOut, final) })
				return
			}

		default:
			final := core.NewError(core.CodeRegistrationFailed,
				"registrar rejected REGISTER with SIP %d %s", status, resp.Reason)
			nextOut := next
			e.enqueue(func() { e.finishRegister(0, nextOut, final) })
			return
		}
	}

	e.enqueue(func() {
		e.finishRegister(0, next, core.NewError(core.CodeRegistrationFailed, "registration auth loop exceeded %d attempts", maxAuthAttempts))
	})
}

// answerChallenge computes the digest response for a 401/407 challenge.
func (e *Engine) answerChallenge(req *sipmsg.Request, resp *sipmsg.Response, status int) (name, value string, err error) {
	challengeHeader, responseHeader := "WWW-Authenticate", "Authorization"
	if status == 407 {
		challengeHeader, responseHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := resp.GetHeader(challengeHeader)
	if h == nil {
		return "", "", fmt.Errorf("challenge response carries no %s header", challengeHeader)
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return "", "", fmt.Errorf("invalid digest challenge %q: %w", h.Value(), err)
	}

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: e.cfg.Identity,
		Password: e.cfg.Password,
	})
	if err != nil {
		return "", "", fmt.Errorf("computing digest response: %w", err)
	}
	return responseHeader, cred.String(), nil
}

// finishRegister runs on the command loop. One timer slot serves both the
// refresh schedule and the failure backoff; arming it always replaces any
// previously armed deadline.
func (e *Engine) finishRegister(grantedExpires int, nextCSeq uint32, err error) {
	e.registering = false
	e.regCSeq = nextCSeq

	if err != nil {
		e.registered = false
		metrics.RegistrationUp.Set(0)
		e.logger.WithError(err).WithField("retry_in", registerBackoff).Warn("SIP registration failed")
		e.armRegTimer(registerBackoff)
		return
	}

	e.registered = true
	metrics.RegistrationUp.Set(1)
	refresh := time.Duration(grantedExpires) * time.Second * 8 / 10
	if refresh < time.Second {
		refresh = time.Second
	}
	e.logger.WithFields(map[string]interface{}{
		"expires":    grantedExpires,
		"refresh_in": refresh,
	}).Info("SIP registration complete")
	e.armRegTimer(refresh)
}

func (e *Engine) armRegTimer(d time.Duration) {
	if e.regTimer != nil {
		e.regTimer.Stop()
	}
	e.regTimer = time.AfterFunc(d, func() { e.enqueue(e.startRegister) })
}

func (e *Engine) buildRegister(registrar, callID string, cseq uint32, authName, authValue string) *sipmsg.Request {
	aor := sipmsg.Uri{Scheme: "sip", User: e.cfg.Identity, Host: e.cfg.Domain}
	recipient := sipmsg.Uri{Scheme: "sip", Host: e.cfg.Domain}

	req := sipmsg.NewRequest(sipmsg.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(e.cfg.Transport))
	req.SetDestination(registrar)

	from := &sipmsg.FromHeader{Address: aor, Params: sipmsg.NewParams()}
	from.Params.Add("tag", e.localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sipmsg.ToHeader{Address: aor, Params: sipmsg.NewParams()})
	req.AppendHeader(&sipmsg.ContactHeader{Address: sipmsg.Uri{
		Scheme: "sip",
		User:   e.cfg.Identity,
		Host:   e.cfg.LocalHost,
		Port:   e.cfg.LocalPort,
	}})

	cid := sipmsg.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sipmsg.CSeqHeader{SeqNo: cseq, MethodName: sipmsg.REGISTER})
	maxFwd := sipmsg.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sipmsg.NewHeader("Expires", strconv.Itoa(e.cfg.Expires)))
	req.AppendHeader(sipmsg.NewHeader("User-Agent", e.cfg.UserAgent))
	if authValue != "" {
		req.AppendHeader(sipmsg.NewHeader(authName, authValue))
	}
	return req
}
