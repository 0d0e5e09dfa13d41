package protocol

// Node properties as reported by the hub.
const (
	PropRead    = "Read"
	PropWrite   = "Write"
	PropSetting = "Setting"
	PropStream  = "Stream"
)

// Node type strings as reported by the hub.
const (
	NodeTypeInteger      = "Integer (64 bit)"
	NodeTypeDouble       = "Double"
	NodeTypeString       = "String"
	NodeTypeComplex      = "Complex Double"
	NodeTypeVectorDouble = "ZVector (Double)"
	NodeTypeVectorInt    = "ZVector (Integer)"
	NodeTypeVectorBytes  = "ZVector (Bytes)"
	NodeTypeSample       = "Sample"
)

// NodeInfo is the hub-side metadata of one node. Options maps enum integers
// (as decimal strings) to "keyword: description" strings.
type NodeInfo struct {
	Node        string            `json:"Node"`
	Description string            `json:"Description"`
	Properties  []string          `json:"Properties"`
	Type        string            `json:"Type"`
	Unit        string            `json:"Unit"`
	Options     map[string]string `json:"Options,omitempty"`
}

// HasProperty reports whether the property list contains prop.
func (n NodeInfo) HasProperty(prop string) bool {
	for _, p := range n.Properties {
		if p == prop {
			return true
		}
	}
	return false
}

// ValueTypeOf maps the node type string to the wire value type used for
// reads and writes of that node.
func (n NodeInfo) ValueTypeOf() ValueType {
	switch n.Type {
	case NodeTypeInteger:
		return TypeInt
	case NodeTypeDouble:
		return TypeDouble
	case NodeTypeString:
		return TypeString
	case NodeTypeComplex:
		return TypeComplex
	case NodeTypeVectorDouble:
		return TypeVectorDouble
	case NodeTypeVectorInt:
		return TypeVectorInt
	case NodeTypeVectorBytes:
		return TypeBytes
	case NodeTypeSample:
		return TypeSample
	}
	return TypeString
}
