package changeset

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func relation(node, cell, id string) *ManagedObject {
	return &ManagedObject{
		FDN:  "SubNetwork=NETSimW,MeContext=" + node + ",ManagedElement=1,ENodeBFunction=1,EUtranCellFDD=" + cell + ",EUtranFreqRelation=1,EUtranCellRelation=" + id,
		Type: "EUtranCellRelation",
		ID:   id,
		Attributes: Attributes{
			{Name: "isRemoveAllowed", Value: "false"},
			{Name: "neighborCellRef", Value: "ENodeBFunction=1,EUtranCellFDD=" + id},
		},
	}
}

func lteNode(name string, mos ...*ManagedObject) *Node {
	return &Node{
		Name:         name,
		SubNetwork:   "SubNetwork=NETSimW",
		SubNetworkID: "NETSimW",
		MOs: []*Branch{{
			Type: "ManagedElement", ID: "1",
			Children: []*Branch{{
				Type: "ENodeBFunction", ID: "1",
				Children: []*Branch{{
					Type:    "EUtranCellFDD",
					ID:      name + "-1",
					Objects: mos,
				}},
			}},
		}},
	}
}

func testTree() *Tree {
	return NewTree([]*Node{
		lteNode("LTE01", relation("LTE01", "LTE01-1", "10"), relation("LTE01", "LTE01-1", "11")),
		lteNode("LTE02", relation("LTE02", "LTE02-1", "20")),
	})
}

func TestXMLRenderer_Structure(t *testing.T) {
	b := NewBuilder(Format3GPP, Overrides{
		"EUtranCellRelation": {{Name: "isRemoveAllowed", Value: "true"}},
	})
	b.Now = fixedNow

	data, err := b.Build(testTree())
	require.NoError(t, err)
	doc := string(data)

	assert.True(t, strings.HasPrefix(doc, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Equal(t, 1, strings.Count(doc, "<fileHeader "))
	assert.Equal(t, 1, strings.Count(doc, "<fileFooter "))
	assert.Contains(t, doc, `fileFormatVersion="32.615 V4.5" vendorName="Ericsson"`)
	assert.Contains(t, doc, `<configData dnPrefix="Undefined">`)
	assert.Contains(t, doc, `xmlns:es="EricssonSpecificAttributes.14.02.xsd"`)
	assert.Contains(t, doc, `<xn:SubNetwork id="NETSimW">`)
	assert.Contains(t, doc, `<xn:ManagedElement id="1">`)
	assert.Contains(t, doc, `<xn:vsDataType>vsDataENodeBFunction</xn:vsDataType>`)
	assert.Contains(t, doc, `<xn:vsDataFormatVersion>EricssonSpecificAttributes</xn:vsDataFormatVersion>`)
	assert.Contains(t, doc, `<isRemoveAllowed>true</isRemoveAllowed>`)
	assert.Contains(t, doc, `<fileFooter dateTime="2026-03-14T09:26:53.000000">`)

	// One modifier-carrying container per MO.
	assert.Equal(t, 3, strings.Count(doc, `modifier="update"`))
	assert.Equal(t, 1, strings.Count(doc, `<xn:SubNetwork `))
}

func TestXMLRenderer_CreateUsesObjectAttributes(t *testing.T) {
	b := NewObjectBuilder(Format3GPP, OperationCreate)
	b.Now = fixedNow

	data, err := b.Build(testTree())
	require.NoError(t, err)
	doc := string(data)

	assert.Equal(t, 3, strings.Count(doc, `modifier="create"`))
	assert.Contains(t, doc, `<neighborCellRef>ENodeBFunction=1,EUtranCellFDD=20</neighborCellRef>`)
	assert.Contains(t, doc, `<xn:VsDataContainer id="11" modifier="create">`)
}

func TestXMLRenderer_ContextVariantsShareType(t *testing.T) {
	mo := &ManagedObject{FDN: "MeContext=CORE01,ManagedElement=1,context=local", Type: "context=local", ID: "local"}
	b := NewObjectBuilder(Format3GPP, OperationDelete)
	b.Now = fixedNow

	data, err := b.Build(NewTree([]*Node{lteNode("CORE01", mo)}))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<xn:vsDataType>vsDatacontext</xn:vsDataType>")
	assert.Contains(t, string(data), "<es:vsDatacontext>")
}

func TestBuild_Deterministic(t *testing.T) {
	for _, format := range []Format{Format3GPP, FormatDynamic} {
		for _, op := range []Operation{OperationCreate, OperationDelete, OperationSet} {
			values := Overrides{"EUtranCellRelation": {{Name: "isRemoveAllowed", Value: "true"}}}
			b1, err := Build(format, testTree(), op, values)
			require.NoError(t, err)
			b2, err := Build(format, testTree(), op, values)
			require.NoError(t, err)

			if format == Format3GPP {
				b1 = stripFooter(b1)
				b2 = stripFooter(b2)
			}
			assert.Equal(t, string(b1), string(b2), "format=%s op=%s", format, op)
		}
	}
}

func stripFooter(doc []byte) []byte {
	s := string(doc)
	if i := strings.Index(s, "<fileFooter"); i >= 0 {
		return []byte(s[:i])
	}
	return doc
}

func TestFlatRenderer_RuleListRewrite(t *testing.T) {
	mo := &ManagedObject{
		FDN:        "SubNetwork=NETSimW,ManagedElement=CORE01,SystemFunctions=1,SecM=1,UserManagement=1,rule-list=custom-1,rule=custom-rule",
		Type:       "rule",
		ID:         "custom-rule",
		Attributes: Attributes{{Name: "action", Value: "permit"}},
	}
	data, err := Build(FormatDynamic, NewTree([]*Node{lteNode("CORE01", mo)}), OperationCreate, nil)
	require.NoError(t, err)

	want := "create\n" +
		"FDN: SubNetwork=NETSimW,ManagedElement=CORE01,SystemFunctions=1,SecM=1,UserManagement=1," +
		"rule-list=ericsson-admin-user-management-1-system-admin,rule=ericsson-system-ext-1-system-admin\n" +
		"action : 'permit'\n"
	assert.Equal(t, want, string(data))
}

func TestFlatRenderer_Operations(t *testing.T) {
	tree := NewTree([]*Node{lteNode("LTE01", relation("LTE01", "LTE01-1", "10"))})
	fdn := tree.ManagedObjects()[0].FDN

	tests := []struct {
		name   string
		op     Operation
		values Overrides
		want   string
	}{
		{
			name: "create writes object attributes",
			op:   OperationCreate,
			want: "create\nFDN: " + fdn + "\nisRemoveAllowed : 'false'\nneighborCellRef : 'ENodeBFunction=1,EUtranCellFDD=10'\n",
		},
		{
			name: "delete writes no attributes",
			op:   OperationDelete,
			want: "delete\nFDN: " + fdn + "\n",
		},
		{
			name: "set writes overrides",
			op:   OperationSet,
			values: Overrides{"EUtranCellRelation": {
				{Name: "isRemoveAllowed", Value: "true"},
				{Name: "isHoAllowed", Value: "false"},
			}},
			want: "set\nFDN: " + fdn + "\nisRemoveAllowed : 'true'\nisHoAllowed : 'false'\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Build(FormatDynamic, tree, tt.op, tt.values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestBuild_MissingFDN(t *testing.T) {
	mo := &ManagedObject{Type: "EUtranCellRelation", ID: "1"}
	tree := NewTree([]*Node{lteNode("LTE01", relation("LTE01", "LTE01-1", "10"), mo)})

	for _, format := range []Format{Format3GPP, FormatDynamic} {
		data, err := Build(format, tree, OperationCreate, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMissingFDN))
		assert.Nil(t, data)
	}
}

func TestBuild_MissingOverride(t *testing.T) {
	_, err := Build(FormatDynamic, testTree(), OperationSet, Overrides{"GeranCellRelation": {{Name: "a", Value: "b"}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoOverride))
}

func TestWriteFile_NoPartialDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cmimport_01.txt")
	b := NewObjectBuilder(FormatDynamic, OperationCreate)

	bad := NewTree([]*Node{lteNode("LTE01", &ManagedObject{Type: "X"})})
	require.Error(t, b.WriteFile(path, bad))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, b.WriteFile(path, testTree()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "FDN: "))
}

func TestNormalizeOverride(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  []Attribute
	}{
		{
			name:  "single pair",
			input: []interface{}{"isHoAllowed", "false"},
			want:  []Attribute{{Name: "isHoAllowed", Value: "false"}},
		},
		{
			name: "list of pairs",
			input: []interface{}{
				[]interface{}{"isHoAllowed", "false"},
				[]interface{}{"isRemoveAllowed", true},
			},
			want: []Attribute{{Name: "isHoAllowed", Value: "false"}, {Name: "isRemoveAllowed", Value: "true"}},
		},
		{
			name:  "name value object",
			input: map[string]interface{}{"name": "userLabel", "value": "cmimport"},
			want:  []Attribute{{Name: "userLabel", Value: "cmimport"}},
		},
		{
			name:  "mapping",
			input: map[string]interface{}{"b": 2, "a": "1"},
			want:  []Attribute{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeOverride(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeOverride(42)
	assert.Error(t, err)
}

func TestNewTree_GroupsBySubNetwork(t *testing.T) {
	europe := &Node{Name: "RNC01", SubNetwork: "SubNetwork=Europe,SubNetwork=Ireland,SubNetwork=RNC01", SubNetworkID: "RNC01"}
	a := &Node{Name: "LTE01", SubNetwork: "SubNetwork=NETSimW", SubNetworkID: "NETSimW"}
	b := &Node{Name: "LTE02", SubNetwork: "SubNetwork=NETSimW", SubNetworkID: "NETSimW"}

	tree := NewTree([]*Node{a, europe, b})
	require.Len(t, tree.Groups, 2)
	assert.Equal(t, "NETSimW", tree.Groups[0].ID)
	assert.Len(t, tree.Groups[0].Nodes, 2)
	assert.Equal(t, "Europe,SubNetwork=Ireland,SubNetwork=RNC01", tree.Groups[1].ID)
	assert.Equal(t, 3, tree.NodeCount())
}

func TestRecreateCommand(t *testing.T) {
	mo := relation("LTE01", "LTE01-1", "10")
	assert.Equal(t,
		`cmedit create `+mo.FDN+` isRemoveAllowed="false";neighborCellRef="ENodeBFunction=1,EUtranCellFDD=10"`,
		RecreateCommand(mo))

	bare := &ManagedObject{FDN: "ManagedElement=1,Fm=1"}
	assert.Equal(t, "cmedit create ManagedElement=1,Fm=1", RecreateCommand(bare))

	assert.Len(t, RecreateCommands(testTree()), 3)
}

func TestTotalExpectedChanges(t *testing.T) {
	assert.Equal(t, 30, TotalExpectedChanges(map[string]int{"EUtranCellRelation": 2, "UtranCellRelation": 1}, 10))
	assert.Equal(t, 0, TotalExpectedChanges(nil, 5))
}

func TestParseTopology(t *testing.T) {
	data := []byte(`
nodes:
  - name: LTE01
    subnetwork: SubNetwork=NETSimW
    subnetwork_id: NETSimW
    mos:
      - type: ManagedElement
        id: "1"
        children:
          - type: ENodeBFunction
            id: "1"
            objects:
              - fdn: SubNetwork=NETSimW,MeContext=LTE01,ManagedElement=1,ENodeBFunction=1,TermPointToMme=2
                type: TermPointToMme
                id: "2"
                attributes:
                  ipAddress1: 10.0.0.1
                  domainName: mme.example
              - fdn: SubNetwork=NETSimW,MeContext=LTE01,ManagedElement=1,ENodeBFunction=1,TermPointToMme=3
                type: TermPointToMme
                attributes:
                  - {name: ipAddress1, value: 10.0.0.2}
`)
	topo, err := ParseTopology(data)
	require.NoError(t, err)

	mos := topo.Tree().ManagedObjects()
	require.Len(t, mos, 2)
	assert.Equal(t, Attributes{{Name: "ipAddress1", Value: "10.0.0.1"}, {Name: "domainName", Value: "mme.example"}}, mos[0].Attributes)
	assert.Equal(t, "3", mos[1].RDNValue())
	assert.Equal(t, "10.0.0.2", mos[1].Attributes[0].Value)

	_, err = ParseTopology([]byte("nodes:\n  - subnetwork: SubNetwork=X\n"))
	assert.Error(t, err)
}
