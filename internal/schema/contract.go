// Package schema defines the output contract every analysis provider must honor
// and parses provider output against it.
package schema

// Type is a JSON value type in the contract
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeInteger Type = "integer"
)

// Property is a named field of an object node
type Property struct {
	Name string
	Node *Node
}

// Node describes one value of the contract. Object properties keep their
// declaration order so renderers produce stable output.
type Node struct {
	Type        Type
	Description string
	Properties  []Property
	Items       *Node
	Enum        []string
	Required    []string
}

// Property returns the child node with the given name, or nil
func (n *Node) Property(name string) *Node {
	for _, p := range n.Properties {
		if p.Name == name {
			return p.Node
		}
	}
	return nil
}

func object(required bool, props ...Property) *Node {
	n := &Node{Type: TypeObject, Properties: props}
	if required {
		for _, p := range props {
			n.Required = append(n.Required, p.Name)
		}
	}
	return n
}

func prop(name string, n *Node) Property {
	return Property{Name: name, Node: n}
}

func str(description string) *Node {
	return &Node{Type: TypeString, Description: description}
}

func integer(description string) *Node {
	return &Node{Type: TypeInteger, Description: description}
}

func enum(values ...string) *Node {
	return &Node{Type: TypeString, Enum: values}
}

func array(description string, items *Node) *Node {
	return &Node{Type: TypeArray, Description: description, Items: items}
}

// Analysis is the canonical shape of an analysis result. All fields are required.
var Analysis = func() *Node {
	root := object(true,
		prop("sentimentTrend", array(
			"A list of data points extracted or inferred from the reviews representing sentiment over time.",
			object(true,
				prop("date", str("ISO Date string (YYYY-MM-DD)")),
				prop("sentiment", integer("Sentiment score from -100 (Negative) to 100 (Positive)")),
				prop("snippet", str("A very short excerpt (max 5 words) justifying the score")),
			),
		)),
		prop("wordCloud", array(
			"List of most frequent keywords or phrases categorized as complaint or praise.",
			object(true,
				prop("text", str("")),
				prop("value", integer("Frequency count (1-50)")),
				prop("type", enum("complaint", "praise")),
			),
		)),
		prop("summary", object(true,
			prop("overview", str("A concise executive summary paragraph.")),
			prop("actionableAreas", array("", object(true,
				prop("title", str("")),
				prop("description", str("")),
				prop("priority", enum("High", "Medium", "Low")),
			))),
		)),
	)
	root.Description = "Structured sentiment analysis of customer reviews."
	return root
}()

// JSONSchema renders the node as a JSON Schema document suitable for strict
// structured output: every property required, no additional properties.
func (n *Node) JSONSchema() map[string]any {
	out := map[string]any{"type": string(n.Type)}
	if n.Description != "" {
		out["description"] = n.Description
	}
	if len(n.Enum) > 0 {
		values := make([]string, len(n.Enum))
		copy(values, n.Enum)
		out["enum"] = values
	}

	switch n.Type {
	case TypeObject:
		props := make(map[string]any, len(n.Properties))
		for _, p := range n.Properties {
			props[p.Name] = p.Node.JSONSchema()
		}
		out["properties"] = props
		required := make([]string, len(n.Required))
		copy(required, n.Required)
		out["required"] = required
		out["additionalProperties"] = false
	case TypeArray:
		if n.Items != nil {
			out["items"] = n.Items.JSONSchema()
		}
	}

	return out
}
