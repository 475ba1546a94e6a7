package zmq

import (
	"fmt"
	"math"

	"github.com/dermesser/flowrpc/broker"

	"github.com/gogo/protobuf/proto"
	"github.com/gogo/protobuf/types"
	"github.com/juju/errors"
)

// A message on the wire consists of three frames:
//
//	[0] destination (also the subscription topic)
//	[1] properties, a serialized google.protobuf.Struct
//	[2] body
const frameCount = 3

const (
	fieldHeaders       = "headers"
	fieldReplyTo       = "replyTo"
	fieldCorrelationID = "correlationId"
	fieldAppID         = "appId"
	fieldExpiration    = "expiration"
)

// EncodeFrames serializes a publishing to destination into its wire frames.
func EncodeFrames(destination string, msg broker.Publishing) ([][]byte, error) {
	headers, err := toStruct(msg.Headers)
	if err != nil {
		return nil, errors.Annotatef(err, "encoding headers for %q", destination)
	}
	props := &types.Struct{Fields: map[string]*types.Value{
		fieldHeaders:       {Kind: &types.Value_StructValue{StructValue: headers}},
		fieldReplyTo:       stringValue(msg.ReplyTo),
		fieldCorrelationID: stringValue(msg.CorrelationID),
		fieldAppID:         stringValue(msg.AppID),
		fieldExpiration:    stringValue(msg.Expiration),
	}}
	encoded, err := proto.Marshal(props)
	if err != nil {
		return nil, errors.Trace(err)
	}
	body := msg.Body
	if body == nil {
		body = []byte{}
	}
	return [][]byte{[]byte(destination), encoded, body}, nil
}

// DecodeFrames parses wire frames into a delivery. ConsumerTag is left empty.
func DecodeFrames(frames [][]byte) (broker.Delivery, error) {
	if len(frames) != frameCount {
		return broker.Delivery{}, errors.NotValidf("message with %d frames", len(frames))
	}
	props := new(types.Struct)
	if err := proto.Unmarshal(frames[1], props); err != nil {
		return broker.Delivery{}, errors.Annotate(err, "decoding properties")
	}

	d := broker.Delivery{
		Destination: string(frames[0]),
		Body:        frames[2],
	}
	d.ReplyTo = props.Fields[fieldReplyTo].GetStringValue()
	d.CorrelationID = props.Fields[fieldCorrelationID].GetStringValue()
	d.AppID = props.Fields[fieldAppID].GetStringValue()
	d.Expiration = props.Fields[fieldExpiration].GetStringValue()
	d.Headers = fromStruct(props.Fields[fieldHeaders].GetStructValue())
	return d, nil
}

func stringValue(s string) *types.Value {
	return &types.Value{Kind: &types.Value_StringValue{StringValue: s}}
}

func toStruct(h broker.Headers) (*types.Struct, error) {
	s := &types.Struct{Fields: make(map[string]*types.Value, len(h))}
	for k, v := range h {
		val, err := toValue(v)
		if err != nil {
			return nil, errors.Annotatef(err, "header %q", k)
		}
		s.Fields[k] = val
	}
	return s, nil
}

func toValue(v any) (*types.Value, error) {
	switch v := v.(type) {
	case nil:
		return &types.Value{Kind: &types.Value_NullValue{NullValue: types.NullValue_NULL_VALUE}}, nil
	case string:
		return stringValue(v), nil
	case []byte:
		return stringValue(string(v)), nil
	case bool:
		return &types.Value{Kind: &types.Value_BoolValue{BoolValue: v}}, nil
	case int:
		return numberValue(float64(v)), nil
	case int32:
		return numberValue(float64(v)), nil
	case int64:
		return numberValue(float64(v)), nil
	case float32:
		return numberValue(float64(v)), nil
	case float64:
		return numberValue(v), nil
	case []string:
		l := &types.ListValue{Values: make([]*types.Value, len(v))}
		for i, e := range v {
			l.Values[i] = stringValue(e)
		}
		return &types.Value{Kind: &types.Value_ListValue{ListValue: l}}, nil
	case []any:
		l := &types.ListValue{Values: make([]*types.Value, len(v))}
		for i, e := range v {
			val, err := toValue(e)
			if err != nil {
				return nil, err
			}
			l.Values[i] = val
		}
		return &types.Value{Kind: &types.Value_ListValue{ListValue: l}}, nil
	case fmt.Stringer:
		return stringValue(v.String()), nil
	}
	return nil, errors.NotSupportedf("header value of type %T", v)
}

func numberValue(f float64) *types.Value {
	return &types.Value{Kind: &types.Value_NumberValue{NumberValue: f}}
}

func fromStruct(s *types.Struct) broker.Headers {
	h := make(broker.Headers)
	if s == nil {
		return h
	}
	for k, v := range s.Fields {
		h[k] = fromValue(v)
	}
	return h
}

// Whole numbers come back as int64, other numbers as float64.
func fromValue(v *types.Value) any {
	switch k := v.GetKind().(type) {
	case *types.Value_StringValue:
		return k.StringValue
	case *types.Value_BoolValue:
		return k.BoolValue
	case *types.Value_NumberValue:
		if k.NumberValue == math.Trunc(k.NumberValue) && math.Abs(k.NumberValue) < 1<<53 {
			return int64(k.NumberValue)
		}
		return k.NumberValue
	case *types.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, e := range k.ListValue.GetValues() {
			out[i] = fromValue(e)
		}
		return out
	case *types.Value_StructValue:
		return map[string]any(fromStruct(k.StructValue))
	}
	return nil
}
