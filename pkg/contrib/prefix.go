package contrib

import (
	"context"
	"fmt"
	"net/netip"
	"sort"

	"github.com/opennsot/blueprint/pkg/design"
	"github.com/opennsot/blueprint/pkg/storage"
)

// NextPrefixExtension registers "!next_prefix": allocate the first unused
// subnet of the requested length from one of the given parent prefixes.
//
//	prefixes:
//	  - "!next_prefix":
//	      prefix:
//	        - 10.0.0.0/23
//	        - 10.0.2.0/23
//	      length: 24
//	    status: active
//
// Parents are tried in order; within a parent, candidate subnets are walked
// in address order and the first one not overlapping any stored prefix wins.
// When every parent is full the design fails with a no-capacity error.
func NextPrefixExtension() design.Registration {
	return design.Registration{
		Tag: "next_prefix",
		New: func(b *design.Builder) (design.Extension, error) {
			return &nextPrefixExtension{builder: b}, nil
		},
	}
}

type nextPrefixExtension struct {
	builder *design.Builder
}

func (e *nextPrefixExtension) Tag() string { return "next_prefix" }

func (e *nextPrefixExtension) Attribute(ctx context.Context, _ []string, value any, node *design.Node) (any, error) {
	spec, ok := value.(*design.Map)
	if !ok {
		return nil, fmt.Errorf("!next_prefix takes a mapping with \"prefix\" and \"length\"")
	}
	spec = spec.Clone()

	rawParents, ok := spec.Pop("prefix")
	if !ok {
		return nil, fmt.Errorf("!next_prefix needs one or more parent prefixes under \"prefix\"")
	}
	length, err := popLength(spec)
	if err != nil {
		return nil, err
	}

	wanted := asStrings(rawParents)
	if len(wanted) == 0 {
		return nil, fmt.Errorf("!next_prefix needs at least one parent prefix")
	}

	// Remaining keys filter the stored parent objects (status, site, ...).
	parents, stored, err := e.loadParents(ctx, node, wanted, spec)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, fmt.Errorf("!next_prefix: no stored parent prefix matches %v", wanted)
	}

	for _, parent := range parents {
		if length < parent.Bits() {
			return nil, fmt.Errorf("!next_prefix: length %d is shorter than parent %s", length, parent)
		}
		if sub, ok := firstAvailable(parent, childrenOf(parent, stored), length); ok {
			return design.SetAttribute{Name: "prefix", Value: sub.String()}, nil
		}
	}
	return nil, fmt.Errorf("!next_prefix: no space for a /%d in %v", length, wanted)
}

// loadParents resolves the requested parent CIDRs against stored prefix
// objects matching the extra filter, keeping the caller's priority order. It
// also returns every stored prefix of the type, for usage computation.
func (e *nextPrefixExtension) loadParents(ctx context.Context, node *design.Node, wanted []string, filter *design.Map) ([]netip.Prefix, []netip.Prefix, error) {
	if !node.Type.HasField("prefix") {
		return nil, nil, fmt.Errorf("!next_prefix: type %s has no \"prefix\" field", node.Type.Name)
	}

	matched, err := e.builder.Tx().Select(ctx, node.Type, flattenQuery(filter))
	if err != nil {
		return nil, nil, err
	}
	matchedSet := make(map[netip.Prefix]bool, len(matched))
	for _, p := range parsePrefixValues(matched) {
		matchedSet[p] = true
	}

	all, err := e.builder.Tx().Select(ctx, node.Type, nil)
	if err != nil {
		return nil, nil, err
	}
	stored := parsePrefixValues(all)
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].Addr() != stored[j].Addr() {
			return stored[i].Addr().Less(stored[j].Addr())
		}
		return stored[i].Bits() < stored[j].Bits()
	})

	var parents []netip.Prefix
	for _, raw := range wanted {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("!next_prefix: bad parent prefix %q: %w", raw, err)
		}
		if matchedSet[p.Masked()] {
			parents = append(parents, p.Masked())
		}
	}
	return parents, stored, nil
}

func parsePrefixValues(objs []*storage.Object) []netip.Prefix {
	var out []netip.Prefix
	for _, obj := range objs {
		s, ok := obj.Value("prefix").(string)
		if !ok || s == "" {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}

// childrenOf returns the stored prefixes strictly inside parent; the parent
// itself and its supernets never count as used space.
func childrenOf(parent netip.Prefix, stored []netip.Prefix) []netip.Prefix {
	var out []netip.Prefix
	for _, p := range stored {
		if p.Bits() > parent.Bits() && parent.Contains(p.Addr()) {
			out = append(out, p)
		}
	}
	return out
}

// ChildPrefixExtension registers "!child_prefix": pure address arithmetic,
// no allocation state. The child network is the parent network plus the
// offset network; the child length is the longer of the two.
//
//	"!child_prefix":
//	  parent: 10.0.0.0/24
//	  offset: 0.0.0.4/30
//
// yields 10.0.0.4/30.
func ChildPrefixExtension() design.Registration {
	return design.Registration{
		Tag: "child_prefix",
		New: func(b *design.Builder) (design.Extension, error) {
			return &childPrefixExtension{}, nil
		},
	}
}

type childPrefixExtension struct{}

func (e *childPrefixExtension) Tag() string { return "child_prefix" }

func (e *childPrefixExtension) Attribute(_ context.Context, _ []string, value any, _ *design.Node) (any, error) {
	spec, ok := value.(*design.Map)
	if !ok {
		return nil, fmt.Errorf("!child_prefix takes a mapping with \"parent\" and \"offset\"")
	}

	parent, err := prefixArg(spec, "parent")
	if err != nil {
		return nil, err
	}
	offset, err := prefixArg(spec, "offset")
	if err != nil {
		return nil, err
	}
	if parent.Addr().Is4() != offset.Addr().Is4() {
		return nil, fmt.Errorf("!child_prefix: parent %s and offset %s are different address families", parent, offset)
	}

	addr, ok := addAddrs(parent.Masked().Addr(), offset.Addr())
	if !ok {
		return nil, fmt.Errorf("!child_prefix: %s + %s overflows the address space", parent, offset)
	}
	length := parent.Bits()
	if offset.Bits() > length {
		length = offset.Bits()
	}
	child := netip.PrefixFrom(addr, length)
	return design.SetAttribute{Name: "prefix", Value: child.Masked().String()}, nil
}

func prefixArg(spec *design.Map, key string) (netip.Prefix, error) {
	raw, ok := spec.Get(key)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("!child_prefix needs a %q prefix", key)
	}
	switch v := raw.(type) {
	case string:
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("!child_prefix: bad %s %q: %w", key, v, err)
		}
		return p, nil
	case *design.Node:
		return objectPrefix(v.Instance, key)
	case *storage.Object:
		return objectPrefix(v, key)
	default:
		return netip.Prefix{}, fmt.Errorf("!child_prefix: %s must be a prefix string or a prefix object", key)
	}
}

func objectPrefix(obj *storage.Object, key string) (netip.Prefix, error) {
	s, ok := obj.Value("prefix").(string)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("!child_prefix: %s object carries no prefix value", key)
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("!child_prefix: bad %s prefix %q: %w", key, s, err)
	}
	return p, nil
}

// firstAvailable walks parent's subnets of the given length in address order
// and returns the first that overlaps none of the used prefixes. Conflicting
// ranges are jumped over wholesale rather than stepped through.
func firstAvailable(parent netip.Prefix, used []netip.Prefix, length int) (netip.Prefix, bool) {
	cur := netip.PrefixFrom(parent.Addr(), length).Masked()
	for parent.Contains(cur.Addr()) {
		conflict, found := overlap(cur, used)
		if !found {
			return cur, true
		}
		// Skip to the end of whichever range is larger.
		skip := cur
		if conflict.Bits() < cur.Bits() && parent.Contains(conflict.Addr()) {
			skip = conflict
		}
		next, ok := nextSubnet(skip)
		if !ok {
			break
		}
		cur = netip.PrefixFrom(next.Addr(), length).Masked()
	}
	return netip.Prefix{}, false
}

func overlap(p netip.Prefix, used []netip.Prefix) (netip.Prefix, bool) {
	for _, u := range used {
		if u.Overlaps(p) {
			return u, true
		}
	}
	return netip.Prefix{}, false
}

// nextSubnet returns the prefix immediately after p at the same length.
func nextSubnet(p netip.Prefix) (netip.Prefix, bool) {
	addr := p.Masked().Addr()
	var b []byte
	if addr.Is4() {
		v := addr.As4()
		b = v[:]
	} else {
		v := addr.As16()
		b = v[:]
	}

	total := len(b) * 8
	host := total - p.Bits()
	if host >= total {
		return netip.Prefix{}, false
	}
	// Add 1 << host to the address.
	bitIndex := total - host - 1
	carry := byte(1 << (7 - bitIndex%8))
	for i := bitIndex / 8; i >= 0 && carry > 0; i-- {
		sum := uint16(b[i]) + uint16(carry)
		b[i] = byte(sum)
		carry = byte(sum >> 8)
	}
	if carry > 0 {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(bytesToAddr(b), p.Bits()), true
}

// addAddrs adds two addresses of the same family byte-wise with carry.
func addAddrs(a, b netip.Addr) (netip.Addr, bool) {
	var ab, bb []byte
	if a.Is4() {
		av, bv := a.As4(), b.As4()
		ab, bb = av[:], bv[:]
	} else {
		av, bv := a.As16(), b.As16()
		ab, bb = av[:], bv[:]
	}
	carry := uint16(0)
	for i := len(ab) - 1; i >= 0; i-- {
		sum := uint16(ab[i]) + uint16(bb[i]) + carry
		ab[i] = byte(sum)
		carry = sum >> 8
	}
	if carry > 0 {
		return netip.Addr{}, false
	}
	return bytesToAddr(ab), true
}

func bytesToAddr(b []byte) netip.Addr {
	if len(b) == 4 {
		var v [4]byte
		copy(v[:], b)
		return netip.AddrFrom4(v)
	}
	var v [16]byte
	copy(v[:], b)
	return netip.AddrFrom16(v)
}

func popLength(spec *design.Map) (int, error) {
	raw, ok := spec.Pop("length")
	if !ok {
		return 0, fmt.Errorf("!next_prefix needs a \"length\"")
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("!next_prefix: \"length\" must be an integer")
	}
}

func asStrings(v any) []string {
	var out []string
	switch tv := v.(type) {
	case string:
		out = append(out, tv)
	case []any:
		for _, e := range tv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
