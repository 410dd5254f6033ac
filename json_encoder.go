package eventstore

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Upcaster transforms the json payload of an event from one schema version
// to the next one
type Upcaster func(data json.RawMessage) (json.RawMessage, error)

// NewJSONEncoder constructs json encoder
func NewJSONEncoder(evts ...any) *JSONEncoder {
	enc := JSONEncoder{
		types:     make(map[string]reflect.Type),
		upcasters: make(map[string]map[int]Upcaster),
	}

	for _, evt := range evts {
		t := reflect.TypeOf(evt)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}

		enc.types[t.Name()] = t
	}

	return &enc
}

// JSONEncoder provides default json Encoder implementation
// It will marshal and unmarshal events to/from json and store the type name
type JSONEncoder struct {
	types     map[string]reflect.Type
	upcasters map[string]map[int]Upcaster
}

// Upcast registers fn as the transformation of evtType payloads from fromVersion
// to fromVersion+1. The current schema version of a type is one above the highest
// registered upcaster (1 if there are none); newly encoded events are stamped with it
// and older payloads are upcast step by step on decode
func (e *JSONEncoder) Upcast(evtType string, fromVersion int, fn Upcaster) *JSONEncoder {
	if e.upcasters[evtType] == nil {
		e.upcasters[evtType] = make(map[int]Upcaster)
	}

	e.upcasters[evtType][fromVersion] = fn

	return e
}

func (e *JSONEncoder) schemaVersion(evtType string) int {
	v := 1

	for from := range e.upcasters[evtType] {
		if from+1 > v {
			v = from + 1
		}
	}

	return v
}

// Encode marshals incoming event to it's json representation
func (e *JSONEncoder) Encode(evtData any) (*EncodedEvt, error) {
	if evtData == nil {
		return nil, fmt.Errorf("event must not be nil")
	}

	data, err := json.Marshal(evtData)
	if err != nil {
		return nil, err
	}

	t := reflect.TypeOf(evtData)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return &EncodedEvt{
		Type:          t.Name(),
		Data:          string(data),
		SchemaVersion: e.schemaVersion(t.Name()),
	}, nil
}

// Decode unmarshals incoming event to it's corresponding go type
func (e *JSONEncoder) Decode(evt *EncodedEvt) (any, error) {
	t, ok := e.types[evt.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, evt.Type)
	}

	data := json.RawMessage(evt.Data)

	current := e.schemaVersion(evt.Type)

	for v := max(evt.SchemaVersion, 1); v < current; v++ {
		up, ok := e.upcasters[evt.Type][v]
		if !ok {
			return nil, fmt.Errorf("no upcaster for %s from schema version %d", evt.Type, v)
		}

		var err error

		data, err = up(data)
		if err != nil {
			return nil, fmt.Errorf("upcast %s from schema version %d: %w", evt.Type, v, err)
		}
	}

	v := reflect.New(t)

	err := json.Unmarshal(data, v.Interface())
	if err != nil {
		return nil, err
	}

	return v.Elem().Interface(), nil
}
