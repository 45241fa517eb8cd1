package transport

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
)

// EncodeMessage converts msg into the wire struct used by the gRPC transport.
// Payload values must be JSON representable.
func EncodeMessage(msg core.Message) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":       msg.ID,
		"round_id": msg.RoundID,
		"kind":     string(msg.Kind),
		"from":     msg.From,
		"to":       msg.To,
		"success":  msg.Success,
		"detail":   msg.Detail,
		"sent_at":  msg.SentAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.Task != nil {
		payload, err := jsonMap(msg.Task.Payload)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidArgument, "task payload is not encodable", err)
		}
		task := map[string]any{
			"id":          msg.Task.ID,
			"kind":        msg.Task.Kind,
			"description": msg.Task.Description,
			"created_at":  msg.Task.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if payload != nil {
			task["payload"] = payload
		}
		fields["task"] = task
	}
	if msg.Payload != nil {
		payload, err := jsonMap(msg.Payload)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidArgument, "message payload is not encodable", err)
		}
		fields["payload"] = payload
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, "encode message", err)
	}
	return st, nil
}

// DecodeMessage converts a wire struct back into a message. Numbers in
// payloads decode as float64.
func DecodeMessage(st *structpb.Struct) (core.Message, error) {
	if st == nil {
		return core.Message{}, errors.New(errors.CodeInvalidArgument, "empty message", nil)
	}
	fields := st.AsMap()
	msg := core.Message{
		ID:      stringField(fields, "id"),
		RoundID: stringField(fields, "round_id"),
		Kind:    core.MessageKind(stringField(fields, "kind")),
		From:    stringField(fields, "from"),
		To:      stringField(fields, "to"),
		Detail:  stringField(fields, "detail"),
		SentAt:  timeField(fields, "sent_at"),
	}
	if !msg.Kind.Valid() {
		return core.Message{}, errors.Errorf(errors.CodeInvalidArgument, "unknown message kind %q", msg.Kind)
	}
	if msg.To == "" || msg.From == "" {
		return core.Message{}, errors.New(errors.CodeInvalidArgument, "message must carry from and to", nil)
	}
	if v, ok := fields["success"].(bool); ok {
		msg.Success = v
	}
	if v, ok := fields["payload"].(map[string]any); ok {
		msg.Payload = v
	}
	if raw, ok := fields["task"].(map[string]any); ok {
		task := core.Task{
			ID:          stringField(raw, "id"),
			Kind:        stringField(raw, "kind"),
			Description: stringField(raw, "description"),
			CreatedAt:   timeField(raw, "created_at"),
		}
		if v, ok := raw["payload"].(map[string]any); ok {
			task.Payload = v
		}
		msg.Task = &task
	}
	return msg, nil
}

// MarshalMessageJSON renders msg in its wire shape, for logs and the CLI.
func MarshalMessageJSON(msg core.Message) ([]byte, error) {
	st, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Indent: "  "}.Marshal(st)
}

// UnmarshalMessageJSON parses the JSON wire shape produced by MarshalMessageJSON.
func UnmarshalMessageJSON(data []byte) (core.Message, error) {
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return core.Message{}, errors.New(errors.CodeInvalidArgument, "decode message json", err)
	}
	return DecodeMessage(st)
}

// jsonMap normalises a payload to the value types structpb accepts.
func jsonMap(in map[string]any) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func timeField(fields map[string]any, key string) time.Time {
	s, ok := fields[key].(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
