package mavlink

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/skobkin/groundlink/internal/domain"
)

// SupportedProfileMajor is the profile format major version understood by this build.
const SupportedProfileMajor = "v1"

// DefaultReplyField names the reply payload field holding the acknowledged message id.
const DefaultReplyField = "recv_msgid"

//go:embed profile_default.yaml
var defaultProfileYAML []byte

var ErrInvalidProfile = errors.New("invalid profile")

// FieldDef describes one payload field.
type FieldDef struct {
	Name     string
	Type     FieldType
	ArrayLen int
	Offset   int
	Width    int
	Units    string
}

func (f FieldDef) IsArray() bool { return f.ArrayLen > 0 }

// MessageDef is the schema of one message kind. Fields keep declaration order; each
// field's Offset gives its wire position.
type MessageDef struct {
	ID       uint8
	Name     string
	CRCExtra byte
	Length   int
	Reply    domain.CommandOutcome
	Fields   []FieldDef
}

func (m *MessageDef) Field(name string) (FieldDef, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}

	return FieldDef{}, false
}

// IsCommand reports whether the message is a telecommand by naming convention.
func (m *MessageDef) IsCommand() bool {
	return strings.HasSuffix(m.Name, "_TC")
}

// PlottableFields returns the scalar numeric fields.
func (m *MessageDef) PlottableFields() []FieldDef {
	out := make([]FieldDef, 0, len(m.Fields))
	for _, f := range m.Fields {
		if f.Type.Numeric() && !f.IsArray() {
			out = append(out, f)
		}
	}

	return out
}

// StateFields returns fields that carry a discrete state or status.
func (m *MessageDef) StateFields() []FieldDef {
	out := make([]FieldDef, 0, 2)
	for _, f := range m.Fields {
		name := strings.ToLower(f.Name)
		if !f.IsArray() && (strings.HasSuffix(name, "state") || strings.HasSuffix(name, "status")) {
			out = append(out, f)
		}
	}

	return out
}

// Profile is the read-only schema table shared by decoders and encoders.
type Profile struct {
	name       string
	version    string
	replyField string
	byID       map[uint8]*MessageDef
	byName     map[string]*MessageDef
}

func (p *Profile) Name() string { return p.name }
func (p *Profile) Version() string { return p.version }
func (p *Profile) ReplyField() string { return p.replyField }

func (p *Profile) Message(id uint8) (*MessageDef, bool) {
	def, ok := p.byID[id]
	return def, ok
}

func (p *Profile) MessageByName(name string) (*MessageDef, bool) {
	def, ok := p.byName[strings.ToUpper(strings.TrimSpace(name))]
	return def, ok
}

// Messages lists all definitions sorted by name.
func (p *Profile) Messages() []*MessageDef {
	out := make([]*MessageDef, 0, len(p.byID))
	for _, def := range p.byID {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// ReplyKinds lists the ids of reply-bearing messages.
func (p *Profile) ReplyKinds() []uint8 {
	out := make([]uint8, 0, 3)
	for id, def := range p.byID {
		if def.Reply != domain.CommandOutcomeNone {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

type profileFile struct {
	Name       string        `yaml:"name"`
	Version    string        `yaml:"version"`
	ReplyField string        `yaml:"reply_field"`
	Messages   []messageFile `yaml:"messages"`
}

type messageFile struct {
	ID       int         `yaml:"id"`
	Name     string      `yaml:"name"`
	CRCExtra *int        `yaml:"crc_extra"`
	Reply    string      `yaml:"reply"`
	Fields   []fieldFile `yaml:"fields"`
}

type fieldFile struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Len   int    `yaml:"len"`
	Units string `yaml:"units"`
}

// DefaultProfile returns the embedded profile.
func DefaultProfile() *Profile {
	p, err := ParseProfile(defaultProfileYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded profile: %v", err))
	}

	return p
}

// LoadProfile reads a YAML profile from path. An empty path yields the embedded default.
func LoadProfile(path string) (*Profile, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultProfile(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	return ParseProfile(raw)
}

func ParseProfile(raw []byte) (*Profile, error) {
	var pf profileFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidProfile, err)
	}

	if !semver.IsValid(pf.Version) {
		return nil, fmt.Errorf("%w: version %q is not a semantic version", ErrInvalidProfile, pf.Version)
	}
	if major := semver.Major(pf.Version); major != SupportedProfileMajor {
		return nil, fmt.Errorf("%w: unsupported profile major version %s", ErrInvalidProfile, major)
	}

	p := &Profile{
		name:       strings.TrimSpace(pf.Name),
		version:    semver.Canonical(pf.Version),
		replyField: strings.TrimSpace(pf.ReplyField),
		byID:       make(map[uint8]*MessageDef, len(pf.Messages)),
		byName:     make(map[string]*MessageDef, len(pf.Messages)),
	}
	if p.replyField == "" {
		p.replyField = DefaultReplyField
	}

	for _, mf := range pf.Messages {
		def, err := buildMessageDef(mf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
		if _, dup := p.byID[def.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate message id %d", ErrInvalidProfile, def.ID)
		}
		if _, dup := p.byName[def.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate message name %s", ErrInvalidProfile, def.Name)
		}
		if def.Reply != domain.CommandOutcomeNone {
			f, ok := def.Field(p.replyField)
			if !ok || f.IsArray() || !f.Type.Numeric() || f.Type == TypeFloat || f.Type == TypeDouble {
				return nil, fmt.Errorf("%w: reply message %s needs integer field %s", ErrInvalidProfile, def.Name, p.replyField)
			}
		}
		p.byID[def.ID] = def
		p.byName[def.Name] = def
	}
	if len(p.byID) == 0 {
		return nil, fmt.Errorf("%w: no messages defined", ErrInvalidProfile)
	}

	return p, nil
}

func buildMessageDef(mf messageFile) (*MessageDef, error) {
	name := strings.ToUpper(strings.TrimSpace(mf.Name))
	if name == "" {
		return nil, fmt.Errorf("message %d has no name", mf.ID)
	}
	if mf.ID < 0 || mf.ID > 255 {
		return nil, fmt.Errorf("message %s id %d out of range", name, mf.ID)
	}
	if len(mf.Fields) == 0 {
		return nil, fmt.Errorf("message %s has no fields", name)
	}

	def := &MessageDef{ID: uint8(mf.ID), Name: name, Fields: make([]FieldDef, 0, len(mf.Fields))}
	switch domain.CommandOutcome(strings.ToLower(strings.TrimSpace(mf.Reply))) {
	case domain.CommandOutcomeNone:
	case domain.CommandOutcomeAck:
		def.Reply = domain.CommandOutcomeAck
	case domain.CommandOutcomeNack:
		def.Reply = domain.CommandOutcomeNack
	case domain.CommandOutcomeWack:
		def.Reply = domain.CommandOutcomeWack
	default:
		return nil, fmt.Errorf("message %s has unknown reply outcome %q", name, mf.Reply)
	}

	seen := make(map[string]struct{}, len(mf.Fields))
	for _, ff := range mf.Fields {
		fname := strings.TrimSpace(ff.Name)
		if fname == "" {
			return nil, fmt.Errorf("message %s has a field without name", name)
		}
		if _, dup := seen[fname]; dup {
			return nil, fmt.Errorf("message %s has duplicate field %s", name, fname)
		}
		seen[fname] = struct{}{}

		ft, err := ParseFieldType(ff.Type)
		if err != nil {
			return nil, fmt.Errorf("message %s field %s: %w", name, fname, err)
		}
		if ff.Len < 0 || ff.Len > 255 {
			return nil, fmt.Errorf("message %s field %s: array length %d out of range", name, fname, ff.Len)
		}
		width := ft.Size()
		if ff.Len > 0 {
			width *= ff.Len
		}
		def.Fields = append(def.Fields, FieldDef{
			Name:     fname,
			Type:     ft,
			ArrayLen: ff.Len,
			Width:    width,
			Units:    strings.TrimSpace(ff.Units),
		})
	}

	wire := wireOrder(def.Fields)
	offset := 0
	for _, idx := range wire {
		def.Fields[idx].Offset = offset
		offset += def.Fields[idx].Width
	}
	if offset > maxPayloadLen {
		return nil, fmt.Errorf("message %s payload length %d exceeds %d", name, offset, maxPayloadLen)
	}
	def.Length = offset

	if mf.CRCExtra != nil {
		if *mf.CRCExtra < 0 || *mf.CRCExtra > 255 {
			return nil, fmt.Errorf("message %s crc_extra %d out of range", name, *mf.CRCExtra)
		}
		def.CRCExtra = byte(*mf.CRCExtra)
	} else {
		def.CRCExtra = computeCRCExtra(def, wire)
	}

	return def, nil
}

// wireOrder returns field indexes sorted by element size, largest first, keeping declaration
// order among equal sizes.
func wireOrder(fields []FieldDef) []int {
	idx := make([]int, len(fields))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return fields[idx[a]].Type.Size() > fields[idx[b]].Type.Size()
	})

	return idx
}

func computeCRCExtra(def *MessageDef, wire []int) byte {
	crc := crcAccumulateString(def.Name+" ", crcInit)
	for _, i := range wire {
		f := def.Fields[i]
		crc = crcAccumulateString(f.Type.String()+" ", crc)
		crc = crcAccumulateString(f.Name+" ", crc)
		if f.IsArray() {
			crc = crcAccumulate(byte(f.ArrayLen), crc)
		}
	}

	return byte(crc&0xFF) ^ byte(crc>>8)
}
