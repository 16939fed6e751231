package model

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"
)

const (
	objectiveLogistic = "binary:logistic"
	objectiveLogitRaw = "binary:logitraw"
	defaultBaseScore  = 0.5
)

var errNoTrees = errors.New("model dump has no trees")

// dumpFile is the wrapped form of a tree dump. A bare JSON array of trees
// is read as binary:logistic with base_score 0.5.
type dumpFile struct {
	Objective string            `json:"objective"`
	BaseScore *float64          `json:"base_score"`
	Trees     []json.RawMessage `json:"trees"`
}

type dumpNode struct {
	NodeID         int        `json:"nodeid"`
	Split          string     `json:"split"`
	SplitCondition float64    `json:"split_condition"`
	Yes            int        `json:"yes"`
	No             int        `json:"no"`
	Missing        int        `json:"missing"`
	Leaf           *float64   `json:"leaf"`
	Children       []dumpNode `json:"children"`
}

type treeNode struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	yes       int
	no        int
	missing   int
}

type tree []treeNode

// treeModel evaluates an XGBoost JSON tree dump in process.
type treeModel struct {
	trees     []tree
	margin    float64
	logistic  bool
	nFeatures int
}

func loadDump(path string) (Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := parseDump(raw)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func parseDump(raw []byte) (*treeModel, error) {
	raw = bytes.TrimSpace(raw)
	file := dumpFile{Objective: objectiveLogistic}
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &file.Trees); err != nil {
			return nil, fmt.Errorf("parse tree dump: %w", err)
		}
	} else if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tree dump: %w", err)
	}
	if len(file.Trees) == 0 {
		return nil, errNoTrees
	}

	base := defaultBaseScore
	if file.BaseScore != nil {
		base = *file.BaseScore
	}
	m := &treeModel{margin: base}
	switch file.Objective {
	case objectiveLogistic, "reg:logistic":
		if base <= 0 || base >= 1 {
			return nil, fmt.Errorf("base_score %v outside (0, 1) for %s", base, file.Objective)
		}
		m.logistic = true
		m.margin = math.Log(base / (1 - base))
	case objectiveLogitRaw:
		m.margin = math.Log(base / (1 - base))
	}

	for i, msg := range file.Trees {
		root, err := decodeTree(msg)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		t, maxFeature, err := flattenTree(root)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		m.trees = append(m.trees, t)
		if maxFeature+1 > m.nFeatures {
			m.nFeatures = maxFeature + 1
		}
	}
	return m, nil
}

// decodeTree accepts a tree object or a JSON string holding one, which is
// how Booster.get_dump returns trees.
func decodeTree(msg json.RawMessage) (*dumpNode, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) > 0 && msg[0] == '"' {
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, err
		}
		msg = []byte(s)
	}
	var root dumpNode
	if err := json.Unmarshal(msg, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// flattenTree indexes nodes by nodeid and checks every branch target is a
// child of its node.
func flattenTree(root *dumpNode) (tree, int, error) {
	if root.NodeID != 0 {
		return nil, 0, fmt.Errorf("root has nodeid %d, want 0", root.NodeID)
	}
	byID := map[int]*dumpNode{}
	maxID, maxFeature := 0, -1
	stack := []*dumpNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.NodeID < 0 {
			return nil, 0, fmt.Errorf("negative nodeid %d", n.NodeID)
		}
		if _, dup := byID[n.NodeID]; dup {
			return nil, 0, fmt.Errorf("duplicate nodeid %d", n.NodeID)
		}
		byID[n.NodeID] = n
		if n.NodeID > maxID {
			maxID = n.NodeID
		}
		for i := range n.Children {
			stack = append(stack, &n.Children[i])
		}
	}

	t := make(tree, maxID+1)
	for id, n := range byID {
		if n.Leaf != nil {
			t[id] = treeNode{leaf: true, value: *n.Leaf}
			continue
		}
		feature, err := parseFeature(n.Split)
		if err != nil {
			return nil, 0, fmt.Errorf("node %d: %w", id, err)
		}
		children := make(map[int]bool, len(n.Children))
		for _, c := range n.Children {
			children[c.NodeID] = true
		}
		// Branches must point at direct children so evaluation always descends.
		for _, target := range []int{n.Yes, n.No, n.Missing} {
			if !children[target] {
				return nil, 0, fmt.Errorf("node %d: branch to %d, which is not a child", id, target)
			}
		}
		t[id] = treeNode{
			feature:   feature,
			threshold: n.SplitCondition,
			yes:       n.Yes,
			no:        n.No,
			missing:   n.Missing,
		}
		if feature > maxFeature {
			maxFeature = feature
		}
	}
	return t, maxFeature, nil
}

// parseFeature reads the feature index from an "f<N>" split name.
func parseFeature(split string) (int, error) {
	idx, err := strconv.Atoi(strings.TrimPrefix(split, "f"))
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("split %q is not a feature index of the form f<N>", split)
	}
	return idx, nil
}

func (t tree) eval(row []float64) float64 {
	idx := 0
	for {
		n := &t[idx]
		if n.leaf {
			return n.value
		}
		v := row[n.feature]
		switch {
		case math.IsNaN(v):
			idx = n.missing
		case v < n.threshold:
			idx = n.yes
		default:
			idx = n.no
		}
	}
}

func (m *treeModel) NumFeatures() int { return m.nFeatures }

func (m *treeModel) Predict(x *mat.Dense) ([]float64, error) {
	data, rows, cols := rowMajor(x)
	if cols < m.nFeatures {
		return nil, &FeatureWidthError{Want: m.nFeatures, Got: cols}
	}
	preds := make([]float64, rows)
	for r := range preds {
		row := data[r*cols : (r+1)*cols]
		sum := m.margin
		for _, t := range m.trees {
			sum += t.eval(row)
		}
		if m.logistic {
			sum = 1 / (1 + math.Exp(-sum))
		}
		preds[r] = sum
	}
	return preds, nil
}
