package changeset

import "strings"

// RecreateCommand returns the cmedit command that recreates an MO with its
// current attribute values:
//
//	cmedit create <FDN> a="1";b="2"
func RecreateCommand(mo *ManagedObject) string {
	var b strings.Builder
	b.WriteString("cmedit create ")
	b.WriteString(mo.FDN)
	for i, a := range mo.Attributes {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(';')
		}
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(a.Value)
		b.WriteByte('"')
	}
	return b.String()
}

// RecreateCommands returns one recreate command per MO in the tree.
func RecreateCommands(tree *Tree) []string {
	mos := tree.ManagedObjects()
	cmds := make([]string, 0, len(mos))
	for _, mo := range mos {
		cmds = append(cmds, RecreateCommand(mo))
	}
	return cmds
}
