package changeset

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

const (
	fileFormatVersion = "32.615 V4.5"
	vendorName        = "Ericsson"
	dnPrefix          = "Undefined"
	vsDataFormat      = "EricssonSpecificAttributes"
	footerTimeLayout  = "2006-01-02T15:04:05.000000"
)

// namespaces declared on the bulkCmConfigDataFile root, default first.
var namespaces = []xml.Attr{
	{Name: xml.Name{Local: "xmlns"}, Value: "configData.xsd"},
	{Name: xml.Name{Local: "xmlns:xn"}, Value: "genericNrm.xsd"},
	{Name: xml.Name{Local: "xmlns:gn"}, Value: "geranNrm.xsd"},
	{Name: xml.Name{Local: "xmlns:un"}, Value: "utranNrm.xsd"},
	{Name: xml.Name{Local: "xmlns:es"}, Value: "EricssonSpecificAttributes.14.02.xsd"},
}

// XMLRenderer renders the 3GPP bulk CM configuration format.
type XMLRenderer struct {
	// Now supplies the footer timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Render implements Renderer.
func (r *XMLRenderer) Render(w io.Writer, tree *Tree, s Strategy) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	x := &xmlWriter{enc: xml.NewEncoder(w)}
	x.enc.Indent("", "  ")

	x.start("bulkCmConfigDataFile", namespaces...)
	x.empty("fileHeader", attr("fileFormatVersion", fileFormatVersion), attr("vendorName", vendorName))
	x.start("configData", attr("dnPrefix", dnPrefix))
	for _, group := range tree.Groups {
		x.start("xn:"+group.Kind, attr("id", group.ID))
		for _, node := range group.Nodes {
			if err := r.renderBranches(x, node.MOs, 0, s); err != nil {
				return err
			}
		}
		x.end("xn:" + group.Kind)
	}
	x.end("configData")
	x.empty("fileFooter", attr("dateTime", now().Format(footerTimeLayout)))
	x.end("bulkCmConfigDataFile")
	return x.flush()
}

func (r *XMLRenderer) renderBranches(x *xmlWriter, branches []*Branch, depth int, s Strategy) error {
	for _, b := range branches {
		var closer string
		if depth == 0 {
			closer = "xn:" + b.Type
			x.start(closer, attr("id", b.ID))
		} else {
			closer = "xn:VsDataContainer"
			x.start(closer, attr("id", b.ID))
			x.vsDataAttributes(b.Type)
			x.empty("es:vsData" + b.Type)
			x.end("xn:attributes")
		}

		if err := r.renderBranches(x, b.Children, depth+1, s); err != nil {
			return err
		}
		for _, mo := range b.Objects {
			if err := r.renderObject(x, mo, s); err != nil {
				return err
			}
		}
		x.end(closer)
	}
	return nil
}

func (r *XMLRenderer) renderObject(x *xmlWriter, mo *ManagedObject, s Strategy) error {
	if mo.FDN == "" {
		return fmt.Errorf("%w: type=%s id=%s", ErrMissingFDN, mo.Type, mo.ID)
	}
	attrs, err := s.AttributesFor(mo)
	if err != nil {
		return fmt.Errorf("failed to resolve attributes for %s: %w", mo.FDN, err)
	}

	name := mo.XMLName()
	x.start("xn:VsDataContainer", attr("id", mo.RDNValue()), attr("modifier", s.OperationKind().Modifier()))
	x.vsDataAttributes(name)
	x.start("es:vsData" + name)
	for _, a := range attrs {
		x.text(a.Name, a.Value)
	}
	x.end("es:vsData" + name)
	x.end("xn:attributes")
	x.end("xn:VsDataContainer")
	return nil
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// xmlWriter emits prefixed element names verbatim. The first encoding error
// is kept and every later call becomes a no-op.
type xmlWriter struct {
	enc *xml.Encoder
	err error
}

func (x *xmlWriter) start(name string, attrs ...xml.Attr) {
	if x.err != nil {
		return
	}
	x.err = x.enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs})
}

func (x *xmlWriter) end(name string) {
	if x.err != nil {
		return
	}
	x.err = x.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
}

func (x *xmlWriter) empty(name string, attrs ...xml.Attr) {
	x.start(name, attrs...)
	x.end(name)
}

func (x *xmlWriter) text(name, value string) {
	x.start(name)
	if x.err == nil {
		x.err = x.enc.EncodeToken(xml.CharData(value))
	}
	x.end(name)
}

// vsDataAttributes opens xn:attributes with the vsData type block.
// The caller closes xn:attributes.
func (x *xmlWriter) vsDataAttributes(name string) {
	x.start("xn:attributes")
	x.text("xn:vsDataType", "vsData"+name)
	x.text("xn:vsDataFormatVersion", vsDataFormat)
}

func (x *xmlWriter) flush() error {
	if x.err != nil {
		return x.err
	}
	return x.enc.Flush()
}
