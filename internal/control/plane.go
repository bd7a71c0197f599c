// Package control implements C9: parsing and dispatching owner control
// actions carried as kind-1121 events addressed to the bridge's identity.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/webitel/nostr-bridge/internal/domain/event"
	"github.com/webitel/nostr-bridge/internal/domain/model"
	"github.com/webitel/nostr-bridge/internal/identity"
	"github.com/webitel/nostr-bridge/internal/policy"
	"github.com/webitel/nostr-bridge/internal/relay"
	"github.com/webitel/nostr-bridge/internal/ring"
)

const (
	ActionStop      = "control.stop"
	ActionResume    = "control.resume"
	ActionPing      = "control.ping"
	ActionConfigSet = "config.set"
	ActionConfigGet = "config.get"
)

// Plane is C9.
type Plane struct {
	owner   string
	session *relay.Session
	policy  *policy.Engine
	ring    *ring.Buffer
	id      identity.Identity
	log     *slog.Logger
	startAt time.Time
}

// New builds a Plane. owner is the hex pubkey permitted to issue owner-only
// actions; an empty owner denies every recognized action (§4.9 permission model).
func New(owner string, session *relay.Session, pol *policy.Engine, rb *ring.Buffer, id identity.Identity, log *slog.Logger) *Plane {
	return &Plane{owner: owner, session: session, policy: pol, ring: rb, id: id, log: log, startAt: time.Now()}
}

// Run consumes control-kind frames from in until ctx is cancelled.
func (p *Plane) Run(ctx context.Context, in <-chan model.ClassifiedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ce, ok := <-in:
			if !ok {
				return
			}
			if ce.Kind != model.ClassifiedControlRequest {
				continue
			}
			p.handle(ce.Event)
		}
	}
}

func (p *Plane) handle(evt *nostr.Event) {
	req := parseRequest(evt)
	resp := p.dispatch(req)
	p.publish(resp)
}

// parseRequest extracts action/params per §4.9: action from an "action" tag
// or the JSON content, params from "param:<key>" tags or a JSON object.
func parseRequest(evt *nostr.Event) model.ActionRequest {
	req := model.ActionRequest{
		RequestEventID: evt.ID,
		RequesterPub:   evt.PubKey,
		Params:         make(map[string]string),
	}

	if a, ok := event.ActionTag(evt); ok {
		req.Action = a
	}

	var body struct {
		Action string            `json:"action"`
		Params map[string]string `json:"params"`
	}
	if evt.Content != "" {
		if err := json.Unmarshal([]byte(evt.Content), &body); err == nil {
			if req.Action == "" {
				req.Action = body.Action
			}
			for k, v := range body.Params {
				req.Params[k] = v
			}
		}
	}

	for _, t := range evt.Tags {
		if len(t) >= 2 && len(t[0]) > len("param:") && t[0][:len("param:")] == "param:" {
			req.Params[t[0][len("param:"):]] = t[1]
		}
	}

	return req
}

// dispatch is the owner-only actions described in §4.9.
func (p *Plane) dispatch(req model.ActionRequest) model.ActionResponse {
	resp := model.ActionResponse{RequestEventID: req.RequestEventID, Action: req.Action + ".result"}

	isOwner := p.owner != "" && req.RequesterPub == p.owner
	ownerOnly := map[string]bool{ActionStop: true, ActionResume: true, ActionPing: true, ActionConfigSet: true, ActionConfigGet: true}
	if ownerOnly[req.Action] && !isOwner {
		resp.Status = model.StatusDenied
		resp.Detail = "owner-only action"
		return resp
	}

	switch req.Action {
	case ActionStop:
		group := req.Params["group"]
		if group != "" {
			p.policy.SetGroupMode(group, model.ModeNone)
		} else {
			p.policy.SetGlobalOverride(model.ModeNone)
		}
		resp.Status = model.StatusOK

	case ActionResume:
		mode := model.ModeMentions
		if m, ok := model.ParseMode(req.Params["mode"]); ok {
			mode = m
		}
		group := req.Params["group"]
		if group != "" {
			p.policy.SetGroupMode(group, mode)
		} else {
			p.policy.SetGlobalOverride(mode)
		}
		resp.Status = model.StatusOK

	case ActionPing:
		status := p.session.Status()
		groups := make([]string, 0, len(status.Subscriptions))
		for g := range status.Subscriptions {
			groups = append(groups, g)
		}
		resp.Status = model.StatusOK
		resp.Params = map[string]string{
			"uptime_seconds": strconv.Itoa(int(time.Since(p.startAt).Seconds())),
			"subscriptions":  joinStrings(groups),
		}

	case ActionConfigSet:
		group := req.Params["group"]
		if mode, ok := model.ParseMode(req.Params["respond_mode"]); ok {
			if group != "" {
				p.policy.SetGroupMode(group, mode)
			} else {
				p.policy.SetGlobalOverride(mode)
			}
		}
		if h, ok := req.Params["context_history"]; ok {
			if n, err := strconv.Atoi(h); err == nil {
				p.ring.SetCapacity(n)
			}
		}
		resp.Status = model.StatusOK

	case ActionConfigGet:
		snap := p.policy.Snapshot()
		group := req.Params["group"]
		resp.Status = model.StatusOK
		resp.Params = map[string]string{
			"effective_mode": snap.Resolve(group).String(),
		}

	default:
		resp.Status = model.StatusError
		resp.Detail = "unrecognized action"
	}

	return resp
}

func (p *Plane) publish(resp model.ActionResponse) {
	content, _ := json.Marshal(resp.Params)
	tags := nostr.Tags{
		{"e", resp.RequestEventID},
		{"action", resp.Action},
		{"status", string(resp.Status)},
	}
	evt := &nostr.Event{
		Kind:      event.KindControlResponse,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   string(content),
	}
	if _, err := p.session.Publish(evt); err != nil {
		p.log.Error("control: failed to publish response", "action", resp.Action, "err", err)
	}
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
