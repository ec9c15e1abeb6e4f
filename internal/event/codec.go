package event

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// envelope is the wire form of a Record.
type envelope struct {
	Timestamp string          `json:"timestamp"`
	Action    string          `json:"action"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

type filesystemJSON struct {
	Operation    string `json:"operation"`
	RequestorPID uint32 `json:"requestor_pid"`
	Path         string `json:"path,omitempty"`
	PathRaw      []byte `json:"path_raw,omitempty"`
	Flags        uint32 `json:"flags,omitempty"`
	Length       uint64 `json:"length,omitempty"`
	Raw          []byte `json:"raw,omitempty"`
}

type imageLoadJSON struct {
	FullImagePath string `json:"full_image_path"`
	PathRaw       []byte `json:"full_image_path_raw,omitempty"`
	ProcessID     uint32 `json:"pid"`
	Base          uint64 `json:"base,omitempty"`
	Size          uint64 `json:"size,omitempty"`
	Flags         uint32 `json:"flags,omitempty"`
	Raw           []byte `json:"raw,omitempty"`
}

type registryJSON struct {
	NotifyClass string `json:"notify_class"`
	ActorPID    uint32 `json:"actor_pid"`
	KeyPath     string `json:"key_path,omitempty"`
	KeyPathRaw  []byte `json:"key_path_raw,omitempty"`
	ValueName   string `json:"value_name,omitempty"`
	ValueType   uint32 `json:"value_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

type processJSON struct {
	ParentID uint32 `json:"ppid"`
	ID       uint32 `json:"id"`
	IsThread bool   `json:"is_thread"`
	Active   bool   `json:"active"`
}

// MarshalJSON encodes the record with a kind discriminator.
func (r Record) MarshalJSON() ([]byte, error) {
	var body any
	switch p := r.Payload.(type) {
	case FilesystemEvent:
		body = filesystemJSON{
			Operation:    p.Operation.String(),
			RequestorPID: p.RequestorPID,
			Path:         p.Context.Path,
			PathRaw:      rawIfInvalid(p.Context.Path),
			Flags:        p.Context.Flags,
			Length:       p.Context.Length,
			Raw:          p.Context.Raw,
		}
	case ImageLoadEvent:
		body = imageLoadJSON{
			FullImagePath: p.FullImagePath,
			PathRaw:       rawIfInvalid(p.FullImagePath),
			ProcessID:     p.ProcessID,
			Base:          p.ImageInfo.Base,
			Size:          p.ImageInfo.Size,
			Flags:         p.ImageInfo.Flags,
			Raw:           p.ImageInfo.Raw,
		}
	case RegistryEvent:
		body = registryJSON{
			NotifyClass: p.NotifyClass.String(),
			ActorPID:    p.Operation.ActorPID,
			KeyPath:     p.Operation.KeyPath,
			KeyPathRaw:  rawIfInvalid(p.Operation.KeyPath),
			ValueName:   p.Operation.ValueName,
			ValueType:   p.Operation.ValueType,
			Data:        p.Operation.Data,
		}
	case ProcessLifecycleEvent:
		body = processJSON(p)
	default:
		return nil, fmt.Errorf("marshaling record: unsupported payload %T", r.Payload)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", r.Kind(), err)
	}

	return json.Marshal(envelope{
		Timestamp: r.Timestamp,
		Action:    r.Action,
		Kind:      r.Kind().String(),
		Payload:   raw,
	})
}

// UnmarshalJSON decodes a record written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding record envelope: %w", err)
	}

	var payload Payload
	switch env.Kind {
	case KindFilesystem.String():
		var b filesystemJSON
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			return fmt.Errorf("decoding filesystem payload: %w", err)
		}
		payload = FilesystemEvent{
			Operation:    parseFileOperation(b.Operation),
			RequestorPID: b.RequestorPID,
			Context:      IOContext{Path: fromRaw(b.Path, b.PathRaw), Flags: b.Flags, Length: b.Length, Raw: b.Raw},
		}
	case KindImageLoad.String():
		var b imageLoadJSON
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			return fmt.Errorf("decoding image load payload: %w", err)
		}
		payload = ImageLoadEvent{
			FullImagePath: fromRaw(b.FullImagePath, b.PathRaw),
			ProcessID:     b.ProcessID,
			ImageInfo:     ImageInfo{Base: b.Base, Size: b.Size, Flags: b.Flags, Raw: b.Raw},
		}
	case KindRegistry.String():
		var b registryJSON
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			return fmt.Errorf("decoding registry payload: %w", err)
		}
		class, ok := parseNotifyClass(b.NotifyClass)
		if !ok {
			return fmt.Errorf("decoding registry payload: unknown notify class %q", b.NotifyClass)
		}
		payload = RegistryEvent{
			NotifyClass: class,
			Operation: RegistryOperation{
				ActorPID:  b.ActorPID,
				KeyPath:   fromRaw(b.KeyPath, b.KeyPathRaw),
				ValueName: b.ValueName,
				ValueType: b.ValueType,
				Data:      b.Data,
			},
		}
	case KindProcess.String():
		var b processJSON
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			return fmt.Errorf("decoding process payload: %w", err)
		}
		payload = ProcessLifecycleEvent(b)
	default:
		return fmt.Errorf("decoding record: unknown kind %q", env.Kind)
	}

	*r = Record{
		Timestamp: truncate(env.Timestamp, MaxTimestampLen),
		Action:    truncate(env.Action, MaxActionLen),
		Payload:   payload,
	}
	return nil
}

func parseFileOperation(s string) FileOperation {
	for _, op := range []FileOperation{FileCreate, FileRead, FileWrite} {
		if op.String() == s {
			return op
		}
	}
	return 0
}

func parseNotifyClass(s string) (NotifyClass, bool) {
	for class, name := range notifyClassNames {
		if name == s {
			return class, true
		}
	}
	return 0, false
}

// rawIfInvalid returns the bytes of s when JSON string encoding would
// replace some of them with U+FFFD.
func rawIfInvalid(s string) []byte {
	if utf8.ValidString(s) {
		return nil
	}
	return []byte(s)
}

func fromRaw(s string, raw []byte) string {
	if len(raw) > 0 {
		return string(raw)
	}
	return s
}
