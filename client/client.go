// Package client implements the rap client facade from spec §4.6/§9's
// "Client" overview: service discovery + endpoint pool + processor chain
// wired together behind a single Call/OpenChannel surface. It generalizes
// the teacher's Client (registry.Discover → loadbalance.Balancer.Pick →
// map[addr][]*ClientTransport round-robin → transport.Send) by delegating
// picking and elasticity entirely to package endpoint, and by carrying
// correlation-id multiplexed unary calls and streaming channels instead of
// the teacher's single request/response shape.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"rap/channel"
	"rap/endpoint"
	"rap/registry"
	"rap/wire"
)

// Config bundles the endpoint pool configuration with the logical server
// name and default group this client talks to.
type Config struct {
	ServerName string
	Group      string
	PickCount  int
	Endpoint   endpoint.Config
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = wire.DefaultGroup
	}
	if c.PickCount <= 0 {
		c.PickCount = 1
	}
	return c
}

// Client wires registry.Registry + endpoint.Endpoint together behind the
// spec's Call/OpenChannel surface (spec §4.6, §9).
type Client struct {
	cfg      Config
	registry registry.Registry
	ep       *endpoint.Endpoint
}

// New constructs a Client. Call Start to perform the initial discovery pass
// and begin watching for changes.
func New(cfg Config, reg registry.Registry) *Client {
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, registry: reg, ep: endpoint.New(cfg.Endpoint)}
}

// Start runs the initial discovery pass (spec §6 "initial lazy sequence of
// entries"), dials MinPoolSize transports to each discovered instance, and
// launches a background goroutine applying the registry's change stream to
// the endpoint (spec §6 "change stream of additions/removals").
func (c *Client) Start(ctx context.Context) error {
	instances, err := c.registry.Discover(c.cfg.ServerName)
	if err != nil {
		return fmt.Errorf("client: discover %s: %w", c.cfg.ServerName, err)
	}
	for _, inst := range instances {
		if err := c.ep.AddServer(ctx, inst.Addr); err != nil {
			return err
		}
	}
	if ch := c.registry.Watch(c.cfg.ServerName); ch != nil {
		go c.watchLoop(ch)
	}
	return nil
}

func (c *Client) watchLoop(ch <-chan []registry.ServiceInstance) {
	for instances := range ch {
		hostPorts := make([]string, len(instances))
		for i, inst := range instances {
			hostPorts[i] = inst.Addr
		}
		c.ep.Sync(context.Background(), hostPorts)
	}
}

// Close tears down every pooled transport and stops the watch loop's
// downstream effects (the registry owns the watch channel's lifetime).
func (c *Client) Close() { c.ep.Close() }

// Call performs a unary call to "<ServerName>/<group>/<funcName>", binding
// the response body into reply the same way the server's reflection
// registry binds arguments: a JSON round-trip bridging the wire's generic
// value tree and a typed Go value (spec §4.3 "request()").
func (c *Client) Call(ctx context.Context, funcName string, args any, reply any) error {
	return c.call(ctx, c.cfg.Group, funcName, args, reply)
}

// CallGroup is Call with an explicit group instead of the client's default.
func (c *Client) CallGroup(ctx context.Context, group, funcName string, args any, reply any) error {
	return c.call(ctx, group, funcName, args, reply)
}

func (c *Client) call(ctx context.Context, group, funcName string, args any, reply any) error {
	tr, err := c.ep.Pick(c.cfg.PickCount)
	if err != nil {
		return err
	}
	resp, err := tr.Request(ctx, target(c.cfg.ServerName, group, funcName), args, nil)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	result := bodyField(resp.Body, "result")
	return bind(result, reply)
}

// OpenChannel opens a streaming channel to "<ServerName>/<group>/<funcName>"
// and runs the DECLARE handshake before returning (spec §4.4 "Create (client
// side)").
func (c *Client) OpenChannel(ctx context.Context, funcName string) (*channel.Channel, error) {
	return c.OpenChannelGroup(ctx, c.cfg.Group, funcName)
}

// OpenChannelGroup is OpenChannel with an explicit group.
func (c *Client) OpenChannelGroup(ctx context.Context, group, funcName string) (*channel.Channel, error) {
	tr, err := c.ep.Pick(c.cfg.PickCount)
	if err != nil {
		return nil, err
	}
	ch := tr.Channel(target(c.cfg.ServerName, group, funcName))
	if err := ch.Create(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// PrivateCall acquires a dedicated, single-tenant transport for the
// duration of fn and releases it afterward (spec §4.6 "Private lease",
// scenario #6).
func (c *Client) PrivateCall(ctx context.Context, leaseKey string, fn func(tr PrivateTransport) error) error {
	lease, err := c.ep.PickPrivate(ctx, leaseKey)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(PrivateTransport{client: c, lease: lease})
}

// PrivateTransport scopes unary calls to the transport a private lease
// created, bypassing the endpoint's shared picker entirely.
type PrivateTransport struct {
	client *Client
	lease  *endpoint.PrivateLease
}

// Call performs a unary call over the leased transport.
func (p PrivateTransport) Call(ctx context.Context, funcName string, args any, reply any) error {
	resp, err := p.lease.Transport.Request(ctx, target(p.client.cfg.ServerName, p.client.cfg.Group, funcName), args, nil)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return bind(bodyField(resp.Body, "result"), reply)
}

func target(serverName, group, funcName string) string {
	if group == "" {
		group = wire.DefaultGroup
	}
	return serverName + "/" + group + "/" + funcName
}

func bodyField(body any, key string) any {
	m, ok := body.(map[string]any)
	if !ok {
		return body
	}
	v, ok := m[key]
	if !ok {
		return body
	}
	return v
}

// bind converts a generic wire value into a typed Go value via a JSON
// round-trip, the client-side half of the bridge service.go uses on the
// server to bind reflection-typed arguments.
func bind(value any, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
