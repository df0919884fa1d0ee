// Package snapshot implements the deterministic textual export/import
// codec for the handler table (spec §4.4), ground-truthed on
// `bpftime_shm_json.cpp`'s `bpftime_export_shm_to_json` /
// `import_shm_handler_from_json`.
package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/bpftimego/bpftime/internal/ebpf"
	"github.com/bpftimego/bpftime/internal/handlertable"
)

// CodecError is the structured diagnostic for export/import failures
// (spec §7's codec-error taxonomy).
type CodecError struct {
	Kind string // "parse-error", "unknown-tag", "length-mismatch"
	ID   string
	Msg  string
}

func (e *CodecError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("snapshot: id=%s: %s: %s", e.ID, e.Kind, e.Msg)
	}
	return fmt.Sprintf("snapshot: %s: %s", e.Kind, e.Msg)
}

// record is the per-identifier document entry: `{type, attr, name?}`
// (spec §4.4). Attr is kept as a generic map so each variant's field set
// round-trips without a union type.
type record struct {
	Type string                 `json:"type"`
	Name string                 `json:"name,omitempty"`
	Attr map[string]interface{} `json:"attr,omitempty"`
}

// Document is the top-level mapping from identifier (decimal string) to
// record that spec §4.4 defines. Only allocated identifiers appear as
// keys — ground truth in `bpftime_export_shm_to_json`, which skips
// `!is_allocated(i)` slots rather than emitting a dense array.
type Document map[string]record

// Export walks every allocated slot of t and returns the document
// spec §4.4 defines.
func Export(t *handlertable.Table) (Document, error) {
	doc := make(Document)
	var exportErr error
	t.Iterate(func(id int, h handlertable.Handler) bool {
		rec, err := exportHandler(h)
		if err != nil {
			exportErr = err
			return false
		}
		doc[strconv.Itoa(id)] = rec
		return true
	})
	if exportErr != nil {
		return nil, exportErr
	}
	return doc, nil
}

func exportHandler(h handlertable.Handler) (record, error) {
	switch v := h.(type) {
	case *handlertable.ProgramHandle:
		attachFds := make([]interface{}, len(v.AttachTargets))
		for i, fd := range v.AttachTargets {
			attachFds[i] = fd
		}
		return record{
			Type: "bpf_prog_handler",
			Name: v.Name,
			Attr: map[string]interface{}{
				"type":        int(v.Type),
				"insns":       hex.EncodeToString(v.Insns),
				"cnt":         v.InsnCount(),
				"attach_fds":  attachFds,
			},
		}, nil
	case *handlertable.MapHandle:
		a := v.Attr
		return record{
			Type: "bpf_map_handler",
			Name: v.Name,
			Attr: map[string]interface{}{
				"map_type":                  int(a.MapType),
				"key_size":                  a.KeySize,
				"value_size":                a.ValueSize,
				"max_entries":               a.MaxEntries,
				"flags":                     a.Flags,
				"ifindex":                   a.Ifindex,
				"btf_vmlinux_value_type_id": a.BTFVmlinuxValueTypeID,
				"btf_id":                    a.BTFID,
				"btf_key_type_id":           a.BTFKeyTypeID,
				"btf_value_type_id":         a.BTFValueTypeID,
				"map_extra":                 a.MapExtra,
				"kernel_bpf_map_id":         a.KernelBPFMapID,
			},
		}, nil
	case *handlertable.PerfEventHandle:
		return record{
			Type: "bpf_perf_event_handler",
			Attr: map[string]interface{}{
				"type":          int(v.Type),
				"offset":        v.Offset,
				"pid":           v.Pid,
				"ref_ctr_off":   v.RefCtrOffset,
				"_module_name":  v.ModuleName,
				"tracepoint_id": v.TracepointID,
			},
		}, nil
	case *handlertable.LinkHandle:
		return record{
			Type: "bpf_link_handler",
			Attr: map[string]interface{}{
				"prog_fd":   v.ProgID,
				"target_fd": v.TargetID,
			},
		}, nil
	case *handlertable.EpollHandle:
		return record{Type: "epoll_handler"}, nil
	default:
		return record{}, &CodecError{Kind: "unknown-tag", Msg: fmt.Sprintf("no encoding for handler type %T", h)}
	}
}

// Import rebuilds t from doc, preserving every original identifier
// (spec §4.4: "Import preserves original identifiers (the keys of the
// top-level mapping)"). t should be empty before calling Import; existing
// slots at colliding identifiers are overwritten.
func Import(t *handlertable.Table, doc Document) error {
	for key, rec := range doc {
		id, err := strconv.Atoi(key)
		if err != nil {
			return &CodecError{Kind: "parse-error", ID: key, Msg: "identifier key is not a decimal integer"}
		}
		h, err := importHandler(rec)
		if err != nil {
			if ce, ok := err.(*CodecError); ok {
				ce.ID = key
				return ce
			}
			return err
		}
		if err := t.Restore(id, h); err != nil {
			return err
		}
	}
	return nil
}

func attrString(attr map[string]interface{}, key string) (string, error) {
	v, ok := attr[key]
	if !ok {
		return "", &CodecError{Kind: "parse-error", Msg: fmt.Sprintf("attr.%s missing", key)}
	}
	s, ok := v.(string)
	if !ok {
		return "", &CodecError{Kind: "parse-error", Msg: fmt.Sprintf("attr.%s is not a string", key)}
	}
	return s, nil
}

func attrNumber(attr map[string]interface{}, key string) (float64, error) {
	v, ok := attr[key]
	if !ok {
		return 0, &CodecError{Kind: "parse-error", Msg: fmt.Sprintf("attr.%s missing", key)}
	}
	n, ok := asNumber(v)
	if !ok {
		return 0, &CodecError{Kind: "parse-error", Msg: fmt.Sprintf("attr.%s is not a number", key)}
	}
	return n, nil
}

// asNumber accepts both the float64 values encoding/json decodes and the
// native integer types Export stores, so an in-memory Document from
// Export can be passed to Import directly.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func importHandler(rec record) (handlertable.Handler, error) {
	switch rec.Type {
	case "bpf_prog_handler":
		insnsHex, err := attrString(rec.Attr, "insns")
		if err != nil {
			return nil, err
		}
		insns, err := hex.DecodeString(insnsHex)
		if err != nil {
			return nil, &CodecError{Kind: "parse-error", Msg: "insns is not valid hex"}
		}
		cnt, err := attrNumber(rec.Attr, "cnt")
		if err != nil {
			return nil, err
		}
		if len(insns) != int(cnt)*ebpf.InstructionSize {
			return nil, &CodecError{Kind: "length-mismatch", Msg: fmt.Sprintf("insns length %d does not match cnt*%d=%d", len(insns), ebpf.InstructionSize, int(cnt)*ebpf.InstructionSize)}
		}
		typeNum, err := attrNumber(rec.Attr, "type")
		if err != nil {
			return nil, err
		}
		var attachFds []int
		if raw, ok := rec.Attr["attach_fds"]; ok {
			list, ok := raw.([]interface{})
			if !ok {
				return nil, &CodecError{Kind: "parse-error", Msg: "attach_fds is not an array"}
			}
			for _, e := range list {
				n, ok := asNumber(e)
				if !ok {
					return nil, &CodecError{Kind: "parse-error", Msg: "attach_fds element is not a number"}
				}
				attachFds = append(attachFds, int(n))
			}
		}
		return &handlertable.ProgramHandle{
			Type:          handlertable.ProgType(typeNum),
			Name:          rec.Name,
			Insns:         insns,
			AttachTargets: attachFds,
		}, nil
	case "bpf_map_handler":
		keySize, err := attrNumber(rec.Attr, "key_size")
		if err != nil {
			return nil, err
		}
		valueSize, _ := attrNumber(rec.Attr, "value_size")
		maxEntries, _ := attrNumber(rec.Attr, "max_entries")
		flags, _ := attrNumber(rec.Attr, "flags")
		ifindex, _ := attrNumber(rec.Attr, "ifindex")
		mapType, _ := attrNumber(rec.Attr, "map_type")
		btfVmlinux, _ := attrNumber(rec.Attr, "btf_vmlinux_value_type_id")
		btfID, _ := attrNumber(rec.Attr, "btf_id")
		btfKey, _ := attrNumber(rec.Attr, "btf_key_type_id")
		btfValue, _ := attrNumber(rec.Attr, "btf_value_type_id")
		mapExtra, _ := attrNumber(rec.Attr, "map_extra")
		kernelID, _ := attrNumber(rec.Attr, "kernel_bpf_map_id")
		attr := handlertable.MapAttr{
			MapType:               handlertable.MapType(mapType),
			KeySize:               uint32(keySize),
			ValueSize:             uint32(valueSize),
			MaxEntries:            uint32(maxEntries),
			Flags:                 uint32(flags),
			Ifindex:               uint32(ifindex),
			BTFVmlinuxValueTypeID: uint32(btfVmlinux),
			BTFID:                 uint32(btfID),
			BTFKeyTypeID:          uint32(btfKey),
			BTFValueTypeID:        uint32(btfValue),
			MapExtra:              uint64(mapExtra),
			KernelBPFMapID:        uint32(kernelID),
		}
		storage, err := handlertable.NewMapStorage(attr)
		if err != nil {
			return nil, &CodecError{Kind: "parse-error", Msg: err.Error()}
		}
		return &handlertable.MapHandle{Name: rec.Name, Attr: attr, Storage: storage}, nil
	case "bpf_perf_event_handler":
		typeNum, err := attrNumber(rec.Attr, "type")
		if err != nil {
			return nil, err
		}
		offset, _ := attrNumber(rec.Attr, "offset")
		pid, _ := attrNumber(rec.Attr, "pid")
		refCtr, _ := attrNumber(rec.Attr, "ref_ctr_off")
		module, _ := attrString(rec.Attr, "_module_name")
		tracepointID, _ := attrNumber(rec.Attr, "tracepoint_id")
		return &handlertable.PerfEventHandle{
			Type:         handlertable.PerfEventType(typeNum),
			ModuleName:   module,
			Offset:       uint64(offset),
			Pid:          int32(pid),
			RefCtrOffset: uint64(refCtr),
			TracepointID: int32(tracepointID),
		}, nil
	case "bpf_link_handler":
		progFd, err := attrNumber(rec.Attr, "prog_fd")
		if err != nil {
			return nil, err
		}
		targetFd, err := attrNumber(rec.Attr, "target_fd")
		if err != nil {
			return nil, err
		}
		return &handlertable.LinkHandle{ProgID: int(progFd), TargetID: int(targetFd)}, nil
	case "epoll_handler":
		return &handlertable.EpollHandle{}, nil
	default:
		return nil, &CodecError{Kind: "unknown-tag", Msg: fmt.Sprintf("unrecognized handler type %q", rec.Type)}
	}
}

// ExportFile writes t's snapshot to path as indented JSON, matching the
// ground truth's `file << j.dump(4)`.
func ExportFile(t *handlertable.Table, path string) error {
	doc, err := Export(t)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return &CodecError{Kind: "parse-error", Msg: err.Error()}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"component": "snapshot",
		"path":      path,
		"handlers":  len(doc),
	}).Info("snapshot exported")
	return nil
}

// ImportFile reads a snapshot document from path and rebuilds t.
func ImportFile(t *handlertable.Table, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return &CodecError{Kind: "parse-error", Msg: err.Error()}
	}
	if err := Import(t, doc); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"component": "snapshot",
		"path":      path,
		"handlers":  len(doc),
	}).Info("snapshot imported")
	return nil
}
