package changeset

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	adminRuleList = "rule-list=ericsson-admin-user-management-1-system-admin"
	adminRule     = "rule=ericsson-system-ext-1-system-admin"
)

// FlatRenderer renders the dynamic text format.
type FlatRenderer struct{}

// Render implements Renderer.
func (FlatRenderer) Render(w io.Writer, tree *Tree, s Strategy) error {
	bw := bufio.NewWriter(w)
	op := s.OperationKind()

	for _, mo := range tree.ManagedObjects() {
		if mo.FDN == "" {
			return fmt.Errorf("%w: type=%s id=%s", ErrMissingFDN, mo.Type, mo.ID)
		}
		fmt.Fprintf(bw, "%s\nFDN: %s\n", op, RewriteFDN(mo.FDN))

		if op == OperationDelete {
			continue
		}
		attrs, err := s.AttributesFor(mo)
		if err != nil {
			return fmt.Errorf("failed to resolve attributes for %s: %w", mo.FDN, err)
		}
		for _, a := range attrs {
			fmt.Fprintf(bw, "%s : '%s'\n", a.Name, a.Value)
		}
	}
	return bw.Flush()
}

// RewriteFDN points FDNs under an administrative rule-list at the fixed
// system-admin rule. Other FDNs are returned unchanged.
func RewriteFDN(fdn string) string {
	if !strings.Contains(fdn, "rule-list") {
		return fdn
	}
	parts := strings.Split(fdn, ",")
	if len(parts) > 5 {
		parts = parts[:5]
	}
	parts = append(parts, adminRuleList, adminRule)
	return strings.Join(parts, ",")
}
