package server

import (
	"encoding/json"
	"fmt"
	"reflect"

	"rap/rpcerr"
)

// methodType stores the reflection metadata for a single RPC-compatible
// method, kept from the teacher's service.go almost verbatim — the
// "func(args *Args, reply *Reply) error" convention generalizes cleanly to
// binding a target's normal-kind arguments regardless of the wire format
// above it.
type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service wraps a user-defined struct (e.g. &Arith{}) and its RPC-compatible
// methods, the way the teacher's service.go does, generalized to report its
// methods for flattening into "<server>/<group>/<method>" targets by the
// caller (Server.RegisterService) instead of keying a nested "Service.Method"
// map itself.
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// newService validates rcvr and scans its exported methods for the RPC
// signature func(*Args, *Reply) error, exactly as the teacher's NewService
// does. Methods that don't match are silently skipped, same as the teacher
// (a struct is free to carry non-RPC helper methods).
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rap: rcvr must be a pointer, got %s", typ.Kind())
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rap: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}

	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	return srv, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 {
			continue
		}
		if method.Type.Out(0) != errorType {
			continue
		}
		if method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

// call binds body (a generic value decoded off the wire) into the method's
// argument struct, invokes it, and returns a generic reply value — the
// bridge between wire.Frame's schema-less body and the reflection-typed
// handler, via the same encoding/json the teacher's codec.JSONCodec already
// pulls in (spec §9: "for dynamic bodies, carry a schema descriptor
// alongside the registry entry" — here the registry entry *is* the schema,
// reflect.Type standing in for one).
func (m *methodType) call(s *service, body any) (any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, rpcerr.NewParseError(err.Error())
	}
	argv := reflect.New(m.ArgType)
	if err := json.Unmarshal(raw, argv.Interface()); err != nil {
		return nil, rpcerr.NewParseError(fmt.Sprintf("binding arguments for %s: %v", m.method.Name, err))
	}

	replyv := reflect.New(m.ReplyType)
	results := m.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if errv := results[0]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}

	replyRaw, err := json.Marshal(replyv.Interface())
	if err != nil {
		return nil, rpcerr.NewRpcRunTimeError(err.Error())
	}
	var generic any
	if err := json.Unmarshal(replyRaw, &generic); err != nil {
		return nil, rpcerr.NewRpcRunTimeError(err.Error())
	}
	return generic, nil
}
