package nodetree

import (
	"strconv"
	"strings"

	"labkit/internal/protocol"
)

// Info is the client-side metadata of one node, with the hidden root prefix
// already stripped from Path.
type Info struct {
	Path        string
	Description string
	Properties  []string
	Type        string
	Unit        string
	Options     map[string]string
	ReadOnly    bool
}

func infoFrom(relPath string, ni protocol.NodeInfo) Info {
	return Info{
		Path:        relPath,
		Description: ni.Description,
		Properties:  ni.Properties,
		Type:        ni.Type,
		Unit:        ni.Unit,
		Options:     ni.Options,
		ReadOnly:    ni.HasProperty(protocol.PropRead) && !ni.HasProperty(protocol.PropWrite),
	}
}

func (i Info) hasProperty(prop string) bool {
	for _, p := range i.Properties {
		if p == prop {
			return true
		}
	}
	return false
}

// IsStream reports whether the node pushes streaming updates.
func (i Info) IsStream() bool { return i.hasProperty(protocol.PropStream) }

// IsSetting reports whether the node is part of the device settings.
func (i Info) IsSetting() bool { return i.hasProperty(protocol.PropSetting) }

func (i Info) IsReadable() bool { return i.hasProperty(protocol.PropRead) }
func (i Info) IsWritable() bool { return i.hasProperty(protocol.PropWrite) }

// ValueType is the wire type used for reads and writes of this node.
func (i Info) ValueType() protocol.ValueType {
	return protocol.NodeInfo{Type: i.Type}.ValueTypeOf()
}

// OptionKeyword returns the enum keyword for an integer value of an
// Options node. Option map values have the form "keyword: description".
func (i Info) OptionKeyword(value int64) (string, bool) {
	entry, ok := i.Options[strconv.FormatInt(value, 10)]
	if !ok {
		return "", false
	}
	keyword, _, _ := strings.Cut(entry, ":")
	return strings.TrimSpace(keyword), true
}

// OptionValue returns the enum integer for a keyword of an Options node.
func (i Info) OptionValue(keyword string) (int64, bool) {
	keyword = strings.TrimSpace(keyword)
	for raw, entry := range i.Options {
		kw, _, _ := strings.Cut(entry, ":")
		if strings.TrimSpace(kw) == keyword {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}
