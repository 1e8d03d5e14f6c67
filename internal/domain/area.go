package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// UnknownAreaName is the display name given to codes absent from "offices".
const UnknownAreaName = "unknown"

// AreaNode is one node of the area hierarchy. Region centers have an empty
// ParentCode; leaf areas carry the code of the center that lists them.
type AreaNode struct {
	Code       string
	Name       string
	ParentCode string
	Children   []string
}

// Leaf is a single occurrence of a leaf area under a center. The same code can
// occur under more than one center.
type Leaf struct {
	Code       string
	ParentCode string
}

// AreaTree is the parsed area hierarchy. It is read-only after ParseAreaTree
// returns and safe for concurrent use.
type AreaTree struct {
	centers []AreaNode
	leaves  []Leaf
	nodes   map[string]AreaNode
	offices map[string]string
}

type areaDocument struct {
	Centers orderedCenters         `json:"centers"`
	Offices map[string]officeEntry `json:"offices"`
}

type officeEntry struct {
	Name string `json:"name"`
}

type centerEntry struct {
	Name     string    `json:"name"`
	Children *[]string `json:"children"`
}

type namedCenter struct {
	code  string
	entry centerEntry
}

// orderedCenters decodes the "centers" object keeping key order, which
// encoding/json maps discard.
type orderedCenters struct {
	present bool
	entries []namedCenter
}

func (o *orderedCenters) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("centers must be an object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		code, _ := keyTok.(string)
		var entry centerEntry
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("center %q: %w", code, err)
		}
		o.entries = append(o.entries, namedCenter{code: code, entry: entry})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	o.present = true
	return nil
}

// ParseAreaTree builds an AreaTree from the raw area-hierarchy document.
// Every failure is a *ParseError.
func ParseAreaTree(data []byte) (*AreaTree, error) {
	var doc areaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Reason: "invalid JSON", Err: err}
	}
	if !doc.Centers.present {
		return nil, &ParseError{Reason: `missing "centers" mapping`}
	}

	tree := &AreaTree{
		centers: make([]AreaNode, 0, len(doc.Centers.entries)),
		nodes:   make(map[string]AreaNode),
		offices: make(map[string]string, len(doc.Offices)),
	}
	for code, office := range doc.Offices {
		if office.Name != "" {
			tree.offices[code] = office.Name
		}
	}

	for _, c := range doc.Centers.entries {
		if c.code == "" {
			return nil, &ParseError{Reason: "center with empty code"}
		}
		if c.entry.Children == nil {
			return nil, &ParseError{Reason: fmt.Sprintf("center %q does not declare children", c.code)}
		}
		children := append([]string(nil), *c.entry.Children...)
		for i, child := range children {
			if child == "" {
				return nil, &ParseError{Reason: fmt.Sprintf("center %q child %d has empty code", c.code, i)}
			}
		}

		center := AreaNode{Code: c.code, Name: c.entry.Name, Children: children}
		tree.centers = append(tree.centers, center)
		tree.nodes[c.code] = center

		for _, child := range children {
			tree.leaves = append(tree.leaves, Leaf{Code: child, ParentCode: c.code})
			if _, seen := tree.nodes[child]; seen {
				continue
			}
			tree.nodes[child] = AreaNode{Code: child, Name: tree.Name(child), ParentCode: c.code}
		}
	}
	return tree, nil
}

// LeafCodes returns every center's children concatenated in document order.
// Duplicates are kept.
func (t *AreaTree) LeafCodes() []string {
	codes := make([]string, len(t.leaves))
	for i, l := range t.leaves {
		codes[i] = l.Code
	}
	return codes
}

// Leaves is LeafCodes with the listing center of each occurrence.
func (t *AreaTree) Leaves() []Leaf {
	return append([]Leaf(nil), t.leaves...)
}

// Centers returns the region centers in document order.
func (t *AreaTree) Centers() []AreaNode {
	return append([]AreaNode(nil), t.centers...)
}

// Name returns the office display name for code, or UnknownAreaName.
func (t *AreaTree) Name(code string) string {
	if name, ok := t.offices[code]; ok {
		return name
	}
	return UnknownAreaName
}

// Node looks up a center or leaf node. A leaf listed under several centers
// reports the first one.
func (t *AreaTree) Node(code string) (AreaNode, bool) {
	n, ok := t.nodes[code]
	return n, ok
}
