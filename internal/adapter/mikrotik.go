package adapter

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"nexus/internal/models"

	"github.com/go-routeros/routeros/v3"
)

// RouterOS command path per resource kind.
var kindPaths = map[models.Kind]string{
	models.KindVLAN:     "/interface/vlan",
	models.KindFirewall: "/ip/firewall/filter",
	models.KindNAT:      "/ip/firewall/nat",
	models.KindMangle:   "/ip/firewall/mangle",
	models.KindDHCP:     "/ip/dhcp-server",
	models.KindQueue:    "/queue/simple",
	models.KindPPPoE:    "/ppp/secret",
	models.KindHotspot:  "/ip/hotspot/user",
}

// Properties managed by nexus; everything else the device reports is
// preserved untouched.
var managedProps = map[models.Kind][]string{
	models.KindVLAN:     {"vlan-id", "interface"},
	models.KindFirewall: {"chain", "action", "src-address", "dst-address", "dst-port", "protocol"},
	models.KindNAT:      {"chain", "action", "src-address", "dst-address", "to-addresses", "dst-port", "to-ports"},
	models.KindMangle:   {"chain", "action", "src-address", "dst-address", "new-packet-mark"},
	models.KindDHCP:     {"interface", "address-pool", "lease-time"},
	models.KindQueue:    {"target", "max-upload", "max-download", "priority"},
	models.KindPPPoE:    {"password", "profile", "service", "remote-address"},
	models.KindHotspot:  {"password", "profile"},
}

// MikroTik speaks the RouterOS binary API (default port 8728).
type MikroTik struct {
	cfg    ConnConfig
	client *routeros.Client
}

func NewMikroTik(cfg ConnConfig) (Adapter, error) {
	if err := GuardDestination(cfg.Address, cfg.AllowPrivate); err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 8728
	}
	client, err := dialRouterOS(net.JoinHostPort(cfg.Address, strconv.Itoa(port)), cfg.Username, cfg.Password, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return &MikroTik{cfg: cfg, client: client}, nil
}

// dialRouterOS dials TCP first, then performs the API login, all bounded
// by one timeout. A TCP failure is Unreachable, a login failure is
// AuthFailed, a framing failure is ProtocolMismatch.
func dialRouterOS(address, username, password string, timeout time.Duration) (*routeros.Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		client *routeros.Client
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.Dial("tcp", address)
		if err != nil {
			ch <- result{nil, fmt.Errorf("%w: %v", ErrUnreachable, err)}
			return
		}
		client, err := routeros.NewClient(conn)
		if err != nil {
			conn.Close()
			ch <- result{nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)}
			return
		}
		if err := client.Login(username, password); err != nil {
			client.Close()
			ch <- result{nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)}
			return
		}
		ch <- result{client, nil}
	}()

	select {
	case res := <-ch:
		return res.client, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: connection timeout after %v", ErrUnreachable, timeout)
	}
}

func (m *MikroTik) TestConnection(ctx context.Context) (TestResult, error) {
	start := time.Now()
	r, err := m.run(ctx, "/system/resource/print")
	if err != nil {
		return TestResult{Message: err.Error()}, err
	}
	caps := make([]models.Kind, 0, len(kindPaths))
	for k := range kindPaths {
		caps = append(caps, k)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	msg := "ok"
	if len(r.Re) > 0 {
		msg = fmt.Sprintf("RouterOS %s", r.Re[0].Map["version"])
	}
	return TestResult{
		Reachable:    true,
		LatencyMs:    time.Since(start).Milliseconds(),
		Capabilities: caps,
		Message:      msg,
	}, nil
}

func (m *MikroTik) ListResources(ctx context.Context, kind models.Kind) ([]models.DeviceResource, error) {
	path, ok := kindPaths[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCapability, kind)
	}
	r, err := m.run(ctx, path+"/print")
	if err != nil {
		return nil, err
	}
	out := make([]models.DeviceResource, 0, len(r.Re))
	for i, re := range r.Re {
		out = append(out, sentenceToResource(kind, i, re.Map))
	}
	return out, nil
}

func sentenceToResource(kind models.Kind, index int, props map[string]string) models.DeviceResource {
	res := models.DeviceResource{
		ExternalID: props[".id"],
		Name:       deviceName(kind, props),
		Enabled:    props["disabled"] != "true",
		Chain:      props["chain"],
		// Ordered kinds evaluate in print order.
		Position: index,
		Fields:   map[string]string{},
	}
	if p, err := strconv.Atoi(props["priority"]); err == nil {
		res.Priority = p
	}
	for _, key := range managedProps[kind] {
		if key == "chain" || key == "priority" {
			continue
		}
		if v, ok := props[key]; ok {
			res.Fields[key] = v
		}
	}
	return res
}

// deviceName extracts the stable name: PPPoE secrets and hotspot users
// are keyed by "name", queues and VLAN interfaces too; firewall rules
// carry ours in the comment field.
func deviceName(kind models.Kind, props map[string]string) string {
	switch kind {
	case models.KindFirewall, models.KindNAT, models.KindMangle, models.KindDHCP:
		if c := props["comment"]; c != "" {
			return c
		}
	}
	return props["name"]
}

func (m *MikroTik) ApplyResource(ctx context.Context, kind models.Kind, res models.DeviceResource) (ApplyResult, error) {
	path, ok := kindPaths[kind]
	if !ok {
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrUnsupportedCapability, kind)
	}

	current, err := m.findCurrent(ctx, kind, res)
	if err != nil {
		return ApplyResult{}, err
	}

	args := resourceToArgs(kind, res)
	if current == nil {
		reply, err := m.run(ctx, append([]string{path + "/add"}, args...)...)
		if err != nil {
			return ApplyResult{}, err
		}
		id := ""
		if reply.Done != nil {
			id = reply.Done.Map["ret"]
		}
		// add appends at the end of the chain; ordered kinds are then
		// moved into place.
		if kind.Ordered() && id != "" {
			if err := m.move(ctx, kind, id, res.Position); err != nil {
				return ApplyResult{}, err
			}
		}
		return ApplyResult{Outcome: ApplyCreated, ExternalID: id}, nil
	}

	set, mv := applyPlan(kind, *current, res)
	if !set && !mv {
		return ApplyResult{Outcome: ApplyUnchanged, ExternalID: current.ExternalID}, nil
	}
	if set {
		setArgs := append([]string{path + "/set", "=.id=" + current.ExternalID}, args...)
		if _, err := m.run(ctx, setArgs...); err != nil {
			return ApplyResult{}, err
		}
	}
	if mv {
		if err := m.move(ctx, kind, current.ExternalID, res.Position); err != nil {
			return ApplyResult{}, err
		}
	}
	return ApplyResult{Outcome: ApplyUpdated, ExternalID: current.ExternalID}, nil
}

// applyPlan decides what converging one resource takes: a property set,
// a reorder, both, or nothing. Print order is the actual position, so a
// rule can match on every managed property and still need a move.
func applyPlan(kind models.Kind, current, desired models.DeviceResource) (set, move bool) {
	set = !resourceEqual(kind, current, desired)
	move = kind.Ordered() && current.Position != desired.Position
	return set, move
}

// move reorders a rule to the target print index.
func (m *MikroTik) move(ctx context.Context, kind models.Kind, id string, dest int) error {
	_, err := m.run(ctx, kindPaths[kind]+"/move", "=numbers="+id, "=destination="+strconv.Itoa(dest))
	return err
}

func (m *MikroTik) findCurrent(ctx context.Context, kind models.Kind, res models.DeviceResource) (*models.DeviceResource, error) {
	// Ordered kinds need the rule's actual print-order position, which a
	// filtered print cannot give; read the whole chain.
	if kind.Ordered() {
		list, err := m.ListResources(ctx, kind)
		if err != nil {
			return nil, err
		}
		for i := range list {
			if res.ExternalID != "" {
				if list[i].ExternalID == res.ExternalID {
					return &list[i], nil
				}
				continue
			}
			if list[i].Name == res.Name {
				return &list[i], nil
			}
		}
		return nil, nil
	}

	path := kindPaths[kind]
	if res.ExternalID != "" {
		r, err := m.run(ctx, path+"/print", "?.id="+res.ExternalID)
		if err != nil {
			return nil, err
		}
		if len(r.Re) > 0 {
			cur := sentenceToResource(kind, res.Position, r.Re[0].Map)
			return &cur, nil
		}
		return nil, nil
	}
	// Fall back to the stable name / comment.
	query := "?name=" + res.Name
	if kind == models.KindDHCP {
		query = "?comment=" + res.Name
	}
	r, err := m.run(ctx, path+"/print", query)
	if err != nil {
		return nil, err
	}
	if len(r.Re) == 0 {
		return nil, nil
	}
	cur := sentenceToResource(kind, res.Position, r.Re[0].Map)
	return &cur, nil
}

func resourceToArgs(kind models.Kind, res models.DeviceResource) []string {
	args := []string{"=disabled=" + boolWord(!res.Enabled)}
	switch kind {
	case models.KindFirewall, models.KindNAT, models.KindMangle, models.KindDHCP:
		args = append(args, "=comment="+res.Name)
	default:
		args = append(args, "=name="+res.Name)
	}
	if res.Chain != "" {
		args = append(args, "=chain="+res.Chain)
	}
	if kind == models.KindQueue {
		args = append(args, "=priority="+strconv.Itoa(res.Priority))
		// Simple queues take "max-limit=up/down".
		up, down := res.Fields["max-upload"], res.Fields["max-download"]
		if up != "" && down != "" {
			args = append(args, "=max-limit="+up+"/"+down)
		}
	}
	keys := make([]string, 0, len(res.Fields))
	for k := range res.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if kind == models.KindQueue && (k == "max-upload" || k == "max-download") {
			continue
		}
		args = append(args, "="+k+"="+res.Fields[k])
	}
	return args
}

func resourceEqual(kind models.Kind, current, desired models.DeviceResource) bool {
	if current.Enabled != desired.Enabled || current.Chain != desired.Chain {
		return false
	}
	if kind == models.KindQueue && current.Priority != desired.Priority {
		return false
	}
	for k, v := range desired.Fields {
		if current.Fields[k] != v {
			return false
		}
	}
	return true
}

func boolWord(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *MikroTik) RemoveResource(ctx context.Context, kind models.Kind, externalID string) (RemoveResult, error) {
	path, ok := kindPaths[kind]
	if !ok {
		return RemoveResult{}, fmt.Errorf("%w: %s", ErrUnsupportedCapability, kind)
	}
	r, err := m.run(ctx, path+"/print", "?.id="+externalID)
	if err != nil {
		return RemoveResult{}, err
	}
	if len(r.Re) == 0 {
		// Already gone: convergence, not an error.
		return RemoveResult{Found: false}, nil
	}
	if _, err := m.run(ctx, path+"/remove", "=.id="+externalID); err != nil {
		return RemoveResult{}, err
	}
	return RemoveResult{Found: true}, nil
}

func (m *MikroTik) ReadTelemetry(ctx context.Context) (Telemetry, error) {
	t := Telemetry{TakenAt: time.Now()}

	if r, err := m.run(ctx, "/interface/print",
		"=.proplist=name,type,running,rx-byte,tx-byte"); err == nil {
		for _, re := range r.Re {
			t.Interfaces = append(t.Interfaces, InterfaceStats{
				Name:    re.Map["name"],
				Type:    re.Map["type"],
				Running: re.Map["running"] == "true",
				RxBytes: re.Map["rx-byte"],
				TxBytes: re.Map["tx-byte"],
			})
		}
	} else {
		t.Partial = true
	}

	if r, err := m.run(ctx, "/queue/simple/print",
		"=.proplist=name,target,rate,bytes"); err == nil {
		for _, re := range r.Re {
			t.Queues = append(t.Queues, QueueStats{
				Name:   re.Map["name"],
				Target: re.Map["target"],
				Rate:   re.Map["rate"],
				Bytes:  re.Map["bytes"],
			})
		}
	} else {
		t.Partial = true
	}

	if r, err := m.run(ctx, "/system/resource/print"); err == nil && len(r.Re) > 0 {
		t.System = SystemInfo{
			Version: r.Re[0].Map["version"],
			Uptime:  r.Re[0].Map["uptime"],
			CPULoad: r.Re[0].Map["cpu-load"],
		}
	} else {
		t.Partial = true
	}

	if t.Partial && len(t.Interfaces) == 0 && len(t.Queues) == 0 {
		return t, fmt.Errorf("%w: no telemetry readable", ErrUnreachable)
	}
	return t, nil
}

// run executes one API sentence bounded by the adapter timeout. The
// RouterOS protocol is not safely abortable mid-command, so cancellation
// is observed between commands only.
func (m *MikroTik) run(ctx context.Context, sentence ...string) (*routeros.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	type result struct {
		reply *routeros.Reply
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		reply, err := m.client.RunArgs(sentence)
		ch <- result{reply, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if strings.Contains(res.err.Error(), "login") {
				return nil, fmt.Errorf("%w: %v", ErrAuthFailed, res.err)
			}
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, res.err)
		}
		return res.reply, nil
	case <-time.After(timeout):
		// Timeout is a definite failure, retried on the next attempt.
		return nil, fmt.Errorf("%w: command timeout after %v", ErrUnreachable, timeout)
	}
}

func (m *MikroTik) Close() error {
	return m.client.Close()
}
