package sip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/core"
	"voicegate-server/pkg/metrics"
)

const inviteTimeout = 30 * time.Second

// Engine is the SIP signaling core: registration, outbound dialogs, and the
// narrow inbound surface. All dialog and registration state is owned by a
// single command loop; exported methods post closures onto it and never touch
// the tables directly.
type Engine struct {
	cfg      config.SIPConfig
	logger   *logrus.Entry
	tr       transactor
	resolver *Resolver

	ua     *sipgo.UserAgent
	server *sipgo.Server

	cmds      chan func()
	closing   chan struct{}
	closeOnce sync.Once

	// Owned by the command loop.
	dialogs     map[string]*Dialog
	registered  bool
	registering bool
	regCSeq     uint32
	regTimer    *time.Timer
	localTag    string

	onState func(DialogInfo)
}

// NewEngine builds the production engine over a sipgo user agent.
func NewEngine(cfg config.SIPConfig, logger *logrus.Logger) (*Engine, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("creating SIP user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(cfg.LocalHost),
		sipgo.WithClientPort(cfg.LocalPort),
	)
	if err != nil {
		return nil, fmt.Errorf("creating SIP client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("creating SIP server: %w", err)
	}

	e := newEngine(cfg, &clientTransactor{client: client}, NewResolver(logger), logger)
	e.ua = ua
	e.server = server
	e.registerHandlers()
	return e, nil
}

// newEngine wires the engine over an arbitrary transactor. Tests use this
// with a scripted one.
func newEngine(cfg config.SIPConfig, tr transactor, resolver *Resolver, logger *logrus.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		logger:   logger.WithField("component", "sip_engine"),
		tr:       tr,
		resolver: resolver,
		cmds:     make(chan func(), 32),
		closing:  make(chan struct{}),
		dialogs:  make(map[string]*Dialog),
		localTag: strings.Split(uuid.NewString(), "-")[0],
	}
	go e.run()
	return e
}

// OnDialogState installs a state change listener. Must be called before any
// call activity.
func (e *Engine) OnDialogState(fn func(DialogInfo)) { e.onState = fn }

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.closing:
			return
		}
	}
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.closing:
	}
}

// call posts fn to the command loop and waits for it to run.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	e.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-e.closing:
	}
}

// Serve runs the inbound SIP listener until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	if e.server == nil {
		return fmt.Errorf("SIP server not initialized")
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.LocalHost, e.cfg.LocalPort)
	e.logger.WithFields(logrus.Fields{
		"addr":      addr,
		"transport": e.cfg.Transport,
	}).Info("SIP engine listening")
	return e.server.ListenAndServe(ctx, strings.ToLower(e.cfg.Transport), addr)
}

func (e *Engine) registerHandlers() {
	// Inbound calls are acknowledged but never answered; the far end gives up
	// or cancels on its own schedule.
	e.server.OnInvite(func(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
		e.logger.WithFields(logrus.Fields{
			"call_id": callIDOf(req),
			"from":    req.From().Address.String(),
		}).Info("Inbound INVITE, responding ringing only")
		_ = tx.Respond(sipmsg.NewResponseFromRequest(req, 180, "Ringing", nil))
	})

	e.server.OnBye(func(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
		_ = tx.Respond(sipmsg.NewResponseFromRequest(req, 200, "OK", nil))
		e.removeDialog(callIDOf(req), "remote BYE")
	})

	e.server.OnCancel(func(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
		_ = tx.Respond(sipmsg.NewResponseFromRequest(req, 200, "OK", nil))
		e.removeDialog(callIDOf(req), "remote CANCEL")
	})

	e.server.OnAck(func(req *sipmsg.Request, tx sipmsg.ServerTransaction) {})

	e.server.OnNoRoute(func(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
		e.logger.WithField("method", req.Method.String()).Debug("Unsupported SIP method")
		_ = tx.Respond(sipmsg.NewResponseFromRequest(req, 501, "Not Implemented", nil))
	})
}

func callIDOf(req *sipmsg.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// InitiateCall places an outbound call and blocks until the dialog is
// answered or fails. Before registration completes it is rejected locally
// with no network traffic at all.
func (e *Engine) InitiateCall(ctx context.Context, target string) (DialogInfo, error) {
	var to sipmsg.Uri
	if !strings.Contains(target, ":") || !strings.HasPrefix(target, "sip") {
		target = "sip:" + target
	}
	if err := sipmsg.ParseUri(target, &to); err != nil {
		return DialogInfo{}, fmt.Errorf("invalid call target %q: %w", target, err)
	}
	if to.Host == "" {
		to.Host = e.cfg.Domain
	}

	callID := uuid.NewString()
	var d *Dialog
	var gateErr error
	e.call(func() {
		if !e.registered {
			gateErr = core.RegistrationRequired()
			return
		}
		d = &Dialog{
			CallID:    callID,
			State:     DialogTrying,
			LocalTag:  strings.Split(uuid.NewString(), "-")[0],
			RemoteURI: to,
			CreatedAt: time.Now(),
		}
		e.dialogs[callID] = d
		metrics.ActiveDialogs.Set(float64(len(e.dialogs)))
	})
	if gateErr != nil {
		return DialogInfo{}, gateErr
	}

	info, err := e.runInvite(ctx, d, to)
	if err != nil {
		e.removeDialog(callID, err.Error())
		return DialogInfo{}, err
	}
	return info, nil
}

// runInvite drives the INVITE transaction off the command loop. State changes
// are posted back onto it.
func (e *Engine) runInvite(ctx context.Context, d *Dialog, to sipmsg.Uri) (DialogInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, inviteTimeout)
	defer cancel()

	offer, err := BuildOffer(e.cfg.LocalHost, e.cfg.MediaPort)
	if err != nil {
		return DialogInfo{}, fmt.Errorf("building SDP offer: %w", err)
	}

	dest := e.cfg.RegistrarAddr
	if dest == "" {
		dest, err = e.resolver.RegistrarAddr(ctx, to.Host, e.cfg.Transport)
		if err != nil {
			return DialogInfo{}, core.WrapError(core.CodeCallFailed, err, "resolving call destination %s", to.Host)
		}
	}

	onProvisional := func(resp *sipmsg.Response) {
		if int(resp.StatusCode) < 180 {
			return
		}
		e.enqueue(func() {
			if d.State != DialogTrying {
				return
			}
			if err := d.transition(DialogRinging); err == nil {
				e.notifyState(d)
			}
		})
	}

	var (
		req        *sipmsg.Request
		resp       *sipmsg.Response
		authName   string
		authValue  string
		cseq       uint32
	)
	for attempt := 0; attempt < maxAuthAttempts; attempt++ {
		cseq++
		req = e.buildInvite(d, to, dest, cseq, offer, authName, authValue)
		resp, err = e.tr.Do(ctx, req, onProvisional)
		if err != nil {
			if ctx.Err() != nil {
				return DialogInfo{}, core.NewError(core.CodeCallTimeout,
					"no final response for call to %s within %s", to.String(), inviteTimeout)
			}
			return DialogInfo{}, core.WrapError(core.CodeCallFailed, err, "INVITE to %s failed", to.String())
		}

		status := int(resp.StatusCode)
		if status == 401 || status == 407 {
			if authValue != "" {
				return DialogInfo{}, core.CallFailed(status, "credentials rejected")
			}
			authName, authValue, err = e.answerChallenge(req, resp, status)
			if err != nil {
				return DialogInfo{}, core.WrapError(core.CodeCallFailed, err, "answering INVITE challenge")
			}
			continue
		}
		break
	}

	status := int(resp.StatusCode)
	if status >= 300 {
		return DialogInfo{}, core.CallFailed(status, resp.Reason)
	}

	// Answered. ACK immediately, then record the dialog.
	if err := e.tr.Write(newAckRequest(req, resp)); err != nil {
		e.logger.WithError(err).WithField("call_id", d.CallID).Warn("Failed to send ACK")
	}

	mediaAddr, payloadType := "", uint8(0)
	if body := resp.Body(); len(body) > 0 {
		if mediaAddr, payloadType, err = ParseAnswer(body); err != nil {
			e.logger.WithError(err).WithField("call_id", d.CallID).Warn("Unusable SDP answer, continuing without media endpoint")
		}
	}

	var info DialogInfo
	var stateErr error
	e.call(func() {
		if stateErr = d.transition(DialogAnswered); stateErr != nil {
			return
		}
		d.invite = req
		d.inviteOK = resp
		if to := resp.To(); to != nil && to.Params != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				d.RemoteTag = tag
			}
		}
		d.RemoteMediaAddr = mediaAddr
		d.PayloadType = payloadType
		info = d.info()
		e.notifyState(d)
	})
	if stateErr != nil {
		return DialogInfo{}, stateErr
	}

	e.logger.WithFields(logrus.Fields{
		"call_id":    d.CallID,
		"to":         to.String(),
		"media_addr": mediaAddr,
	}).Info("Outbound call answered")
	return info, nil
}

func (e *Engine) buildInvite(d *Dialog, to sipmsg.Uri, dest string, cseq uint32, offer []byte, authName, authValue string) *sipmsg.Request {
	req := sipmsg.NewRequest(sipmsg.INVITE, to)
	req.SetTransport(strings.ToUpper(e.cfg.Transport))
	req.SetDestination(dest)
	req.SetBody(offer)

	from := &sipmsg.FromHeader{
		Address: sipmsg.Uri{Scheme: "sip", User: e.cfg.Identity, Host: e.cfg.Domain},
		Params:  sipmsg.NewParams(),
	}
	from.Params.Add("tag", d.LocalTag)
	req.AppendHeader(from)
	req.AppendHeader(&sipmsg.ToHeader{Address: to, Params: sipmsg.NewParams()})
	req.AppendHeader(&sipmsg.ContactHeader{Address: sipmsg.Uri{
		Scheme: "sip",
		User:   e.cfg.Identity,
		Host:   e.cfg.LocalHost,
		Port:   e.cfg.LocalPort,
	}})

	cid := sipmsg.CallIDHeader(d.CallID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sipmsg.CSeqHeader{SeqNo: cseq, MethodName: sipmsg.INVITE})
	maxFwd := sipmsg.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sipmsg.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sipmsg.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	req.AppendHeader(sipmsg.NewHeader("User-Agent", e.cfg.UserAgent))
	if authValue != "" {
		req.AppendHeader(sipmsg.NewHeader(authName, authValue))
	}
	return req
}

// EndCall tears down a dialog. The BYE is fire and forget: the dialog is
// removed immediately and no response is awaited. Unknown call ids are a
// no-op.
func (e *Engine) EndCall(callID string) {
	e.call(func() {
		d, ok := e.dialogs[callID]
		if !ok {
			return
		}
		if d.State == DialogAnswered && d.invite != nil && d.inviteOK != nil {
			bye := newByeRequest(d.invite, d.inviteOK)
			go func() {
				if err := e.tr.Write(bye); err != nil {
					e.logger.WithError(err).WithField("call_id", callID).Warn("Failed to send BYE")
				}
			}()
		}
		e.dropDialogLocked(d, "local hangup")
	})
}

// Dialog returns a snapshot of one dialog.
func (e *Engine) Dialog(callID string) (DialogInfo, bool) {
	var info DialogInfo
	var ok bool
	e.call(func() {
		var d *Dialog
		if d, ok = e.dialogs[callID]; ok {
			info = d.info()
		}
	})
	return info, ok
}

// Dialogs returns snapshots of every open dialog.
func (e *Engine) Dialogs() []DialogInfo {
	var out []DialogInfo
	e.call(func() {
		for _, d := range e.dialogs {
			out = append(out, d.info())
		}
	})
	return out
}

func (e *Engine) removeDialog(callID, reason string) {
	if callID == "" {
		return
	}
	e.call(func() {
		d, ok := e.dialogs[callID]
		if !ok {
			return
		}
		e.dropDialogLocked(d, reason)
	})
}

// dropDialogLocked runs on the command loop.
func (e *Engine) dropDialogLocked(d *Dialog, reason string) {
	if !d.State.Terminal() {
		_ = d.transition(DialogTerminated)
	}
	delete(e.dialogs, d.CallID)
	metrics.ActiveDialogs.Set(float64(len(e.dialogs)))
	e.notifyState(d)
	e.logger.WithFields(logrus.Fields{
		"call_id": d.CallID,
		"reason":  reason,
	}).Info("Dialog closed")
}

func (e *Engine) notifyState(d *Dialog) {
	if e.onState != nil {
		e.onState(d.info())
	}
}

// Destroy hangs up every open dialog best-effort and stops the engine.
func (e *Engine) Destroy() {
	e.call(func() {
		if e.regTimer != nil {
			e.regTimer.Stop()
		}
		for _, d := range e.dialogs {
			if d.State == DialogAnswered && d.invite != nil && d.inviteOK != nil {
				_ = e.tr.Write(newByeRequest(d.invite, d.inviteOK))
			}
			_ = d.transition(DialogTerminated)
		}
		e.dialogs = make(map[string]*Dialog)
		e.registered = false
		metrics.RegistrationUp.Set(0)
		metrics.ActiveDialogs.Set(0)
	})
	e.closeOnce.Do(func() { close(e.closing) })
	if e.ua != nil {
		_ = e.ua.Close()
	}
}

// newAckRequest builds the ACK for a 2xx INVITE response. The request line
// targets the Contact from the response when present; From, Call-ID and CSeq
// come from the INVITE, To from the response so the remote tag is carried.
func newAckRequest(invite *sipmsg.Request, inviteOK *sipmsg.Response) *sipmsg.Request {
	recipient := &invite.Recipient
	if contact := inviteOK.Contact(); contact != nil {
		recipient = &contact.Address
	}
	ack := sipmsg.NewRequest(sipmsg.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion

	if len(invite.GetHeaders("Route")) > 0 {
		sipmsg.CopyHeaders("Route", invite, ack)
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(sipmsg.HeaderClone(h))
	}
	if h := inviteOK.To(); h != nil {
		ack.AppendHeader(sipmsg.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sipmsg.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(sipmsg.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sipmsg.ACK
	}
	maxFwd := sipmsg.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := invite.Contact(); h != nil {
		ack.AppendHeader(sipmsg.HeaderClone(h))
	}

	ack.SetTransport(invite.Transport())
	if contact := inviteOK.Contact(); contact != nil {
		port := contact.Address.Port
		if port == 0 {
			port = 5060
		}
		ack.SetDestination(fmt.Sprintf("%s:%d", contact.Address.Host, port))
	} else {
		ack.SetDestination(invite.Destination())
	}
	return ack
}

// newByeRequest builds an in-dialog BYE from the stored INVITE and its 200
// OK. The request targets the Contact from the 200 OK and walks any
// Record-Route set in reverse.
func newByeRequest(invite *sipmsg.Request, inviteOK *sipmsg.Response) *sipmsg.Request {
	var recipient *sipmsg.Uri
	if contact := inviteOK.Contact(); contact != nil {
		recipient = contact.Address.Clone()
	} else {
		recipient = invite.Recipient.Clone()
	}

	bye := sipmsg.NewRequest(sipmsg.BYE, *recipient)
	bye.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		viaClone := via.Clone()
		viaClone.Params.Add("branch", sipmsg.GenerateBranch())
		bye.AppendHeader(viaClone)
	}
	maxFwd := sipmsg.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	// Route set is the Record-Route list in reverse.
	recordRoutes := inviteOK.GetHeaders("Record-Route")
	for i := len(recordRoutes) - 1; i >= 0; i-- {
		if rr, ok := recordRoutes[i].(*sipmsg.RecordRouteHeader); ok {
			bye.AppendHeader(&sipmsg.RouteHeader{Address: *rr.Address.Clone()})
		}
	}

	if contact := invite.Contact(); contact != nil {
		bye.AppendHeader(sipmsg.HeaderClone(contact))
	}
	if to := inviteOK.To(); to != nil {
		bye.AppendHeader(sipmsg.HeaderClone(to))
	} else if to := invite.To(); to != nil {
		bye.AppendHeader(sipmsg.HeaderClone(to))
	}
	if from := invite.From(); from != nil {
		bye.AppendHeader(sipmsg.HeaderClone(from))
	}
	if callID := invite.CallID(); callID != nil {
		bye.AppendHeader(sipmsg.HeaderClone(callID))
	}
	if cseq := invite.CSeq(); cseq != nil {
		// +2 past the INVITE: the ACK consumed +1.
		bye.AppendHeader(&sipmsg.CSeqHeader{SeqNo: cseq.SeqNo + 2, MethodName: sipmsg.BYE})
	}

	bye.SetTransport(invite.Transport())
	if contact := inviteOK.Contact(); contact != nil {
		port := contact.Address.Port
		if port == 0 {
			port = 5060
		}
		bye.SetDestination(fmt.Sprintf("%s:%d", contact.Address.Host, port))
	} else {
		bye.SetDestination(invite.Destination())
	}
	return bye
}
