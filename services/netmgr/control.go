package netmgr

import (
	"context"
	"encoding/json"
	"fmt"

	"devicelink-go/bus"
	"devicelink-go/errcode"
	"devicelink-go/types"
)

// Control verbs served on net/<bearer>/ctl/<verb>.
const (
	VerbGetConfig  = "get_config"
	VerbSetConfig  = "set_config"
	VerbApply      = "apply"
	VerbInfo       = "info"
	VerbDisconnect = "disconnect"
	VerbReconnect  = "reconnect"
)

// ControlTopic is net/<bearer>/ctl/<verb>.
func ControlTopic(bearer, verb string) bus.Topic { return bus.T("net", bearer, "ctl", verb) }

// Serve answers control requests for this bearer until ctx is done.
// Requests are handled one at a time, in arrival order.
func (m *Manager) Serve(ctx context.Context, conn *bus.Connection) {
	sub := conn.Subscribe(ControlTopic(m.name, "+"))
	defer conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			m.handleControl(ctx, conn, msg)
		}
	}
}

func (m *Manager) handleControl(ctx context.Context, conn *bus.Connection, msg *bus.Message) {
	// net/<bearer>/ctl/<verb>
	if msg.Topic.Len() != 4 {
		replyErr(conn, msg, errcode.InvalidTopic)
		return
	}
	verb, _ := msg.Topic.At(3).(string)

	var (
		res any
		err error
	)
	switch verb {
	case VerbGetConfig:
		res, err = m.GetConfig(ctx)
	case VerbInfo:
		res = m.Info()
	case VerbSetConfig:
		var cfg types.BearerConfig
		if cfg, err = decodeBearerConfig(msg.Payload); err == nil {
			err = m.SetConfig(ctx, cfg)
		}
	case VerbApply:
		err = m.ApplyNow(ctx)
	case VerbDisconnect:
		err = m.Disconnect(ctx)
	case VerbReconnect:
		err = m.Reconnect(ctx)
	default:
		err = errcode.Unsupported
	}
	if err != nil {
		m.log.Debug("control failed", "verb", verb, "err", err)
		replyErr(conn, msg, errcode.Of(err))
		return
	}
	if !msg.CanReply() {
		return
	}
	if res == nil {
		res = types.OKReply{OK: true}
	}
	conn.Reply(msg, res, false)
}

func replyErr(conn *bus.Connection, msg *bus.Message, code errcode.Code) {
	if code == "" {
		code = errcode.Error
	}
	conn.Reply(msg, types.ErrorReply{OK: false, Error: string(code)}, false)
}

// decodeBearerConfig accepts a typed config, the wire form, or JSON of the
// wire form.
func decodeBearerConfig(p any) (types.BearerConfig, error) {
	switch v := p.(type) {
	case types.BearerConfig:
		return v, nil
	case types.BearerConfigWire:
		return v.Parse()
	case []byte:
		var w types.BearerConfigWire
		if err := json.Unmarshal(v, &w); err != nil {
			return types.BearerConfig{}, &errcode.E{C: errcode.InvalidPayload, Op: "netmgr.decode", Err: err}
		}
		return w.Parse()
	}
	return types.BearerConfig{}, errcode.New(errcode.InvalidPayload, "netmgr.decode", fmt.Sprintf("unsupported payload %T", p))
}
