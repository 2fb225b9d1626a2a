// Package cti defines the STIX-shaped object model: typed observables,
// relationships and network-traffic records, plus the content fingerprint
// that gives every object its deduplication identity.
package cti

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Object is a CTI record. The "type" field is the variant tag; the "id"
// field has the form "<type>--<uuid>". Metadata (tlp, risk, origin,
// history) lives in the store's broker, never in the content payload,
// though merged read views carry both.
type Object map[string]any

// TLP sensitivity levels, ordered. Updates may only move an object up.
var tlpLevels = map[string]int{
	"white": 0,
	"green": 1,
	"amber": 2,
	"red":   3,
}

// ValidTLP reports whether s names a TLP level.
func ValidTLP(s string) bool {
	_, ok := tlpLevels[s]
	return ok
}

// TLPRank returns the ordering rank of a TLP level, -1 if unknown.
func TLPRank(s string) int {
	r, ok := tlpLevels[s]
	if !ok {
		return -1
	}
	return r
}

// NewID returns a fresh identifier for the given object type.
func NewID(typ string) string {
	return typ + "--" + uuid.NewString()
}

// ID returns the object's id field, empty when absent.
func (o Object) ID() string {
	s, _ := o["id"].(string)
	return s
}

// Type returns the object's type field, empty when absent.
func (o Object) Type() string {
	s, _ := o["type"].(string)
	return s
}

// Risk reads the risk field of a merged view. It tolerates both the
// store-internal int and the float64 produced by JSON decoding.
func (o Object) Risk() int {
	switch v := o["risk"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Copy returns a deep copy of the object. Nested maps and slices are
// duplicated so callers can mutate the copy freely.
func (o Object) Copy() Object {
	return copyValue(o).(Object)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case Object:
		out := make(Object, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return t
	}
}

// Timestamp renders t in the canonical history format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// EpochToISO renders UNIX epoch seconds as ISO-8601 UTC with millisecond
// precision and a trailing Z, the format file timestamps carry.
func EpochToISO(sec int64) string {
	return time.Unix(sec, 0).UTC().Format("2006-01-02T15:04:05.000Z")
}

// NewIdentity builds an identity object, the node type agents appear as.
func NewIdentity(name string) Object {
	return Object{
		"type":           "identity",
		"id":             NewID("identity"),
		"name":           name,
		"identity_class": "individual",
	}
}

// NewIPv4Address builds an ipv4-addr observable.
func NewIPv4Address(value string) Object {
	return Object{
		"type":  "ipv4-addr",
		"id":    NewID("ipv4-addr"),
		"value": value,
	}
}

// NewProcess builds a process observable. The pid is excluded from the
// fingerprint, so processes deduplicate on cwd and command line.
func NewProcess(pid int, path, cmdline string) Object {
	return Object{
		"type":         "process",
		"id":           NewID("process"),
		"pid":          pid,
		"cwd":          path,
		"command_line": cmdline,
	}
}

// NewFile builds a file observable. Timestamps are ISO strings (see
// EpochToISO) and excluded from the fingerprint; dedup runs on name,
// size and hashes.
func NewFile(name string, size int64, ctime, mtime, atime string, hashes map[string]string) Object {
	h := make(map[string]any, len(hashes))
	for k, v := range hashes {
		h[k] = v
	}
	return Object{
		"type":   "file",
		"id":     NewID("file"),
		"name":   name,
		"size":   size,
		"ctime":  ctime,
		"mtime":  mtime,
		"atime":  atime,
		"hashes": h,
	}
}

// NewSoftware builds a software observable.
func NewSoftware(name, version, vendor string) Object {
	return Object{
		"type":    "software",
		"id":      NewID("software"),
		"name":    name,
		"version": version,
		"vendor":  vendor,
	}
}

// NewVulnerability builds a vulnerability record.
func NewVulnerability(name, description string, externalRefs []any) Object {
	if externalRefs == nil {
		externalRefs = []any{}
	}
	return Object{
		"type":                "vulnerability",
		"id":                  NewID("vulnerability"),
		"name":                name,
		"description":         description,
		"external_references": externalRefs,
	}
}

// NewNetworkTraffic builds a network-traffic record joining two stored
// ipv4-addr ids.
func NewNetworkTraffic(srcRef, dstRef string, srcPort, dstPort int, protocol string) Object {
	return Object{
		"type":      "network-traffic",
		"id":        NewID("network-traffic"),
		"src_ref":   srcRef,
		"dst_ref":   dstRef,
		"src_port":  srcPort,
		"dst_port":  dstPort,
		"protocols": []any{protocol},
	}
}

// NewRelationship builds a relationship edge between two stored objects.
func NewRelationship(sourceRef, targetRef, relationshipType string) Object {
	return Object{
		"type":              "relationship",
		"id":                NewID("relationship"),
		"source_ref":        sourceRef,
		"target_ref":        targetRef,
		"relationship_type": relationshipType,
	}
}

// String implements fmt.Stringer for log output.
func (o Object) String() string {
	return fmt.Sprintf("%s(%s)", o.Type(), o.ID())
}
