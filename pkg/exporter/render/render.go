// Package render implements the Config Renderer: a pure, deterministic
// function from a set of Export records to an NFS-Ganesha-style exporter
// configuration file, content-hashed for a stable config_version.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
)

// ProtocolConfig is the global protocol/port block rendered into every
// exporter configuration file. Protocols is "4" or "3,4"; MountdPort and
// NLMPort are only rendered when NFSv3 is enabled, since mountd and NLM
// are the stateful, non-NFSv4 services that need fixed ports to pass
// through a typical firewall.
type ProtocolConfig struct {
	Protocols  string
	MountdPort int
	NLMPort    int
}

const protocolsV3V4 = "3,4"

// Rendered is the output of Render: the file body and its derived
// version stamp.
type Rendered struct {
	Body          []byte
	ConfigVersion string
}

// Render produces the exporter configuration file contents for one SVM's
// set of exports. It is order-independent in the input (the exports are
// always sorted by ExportID before rendering) and byte-identical for
// identical input sets.
func Render(templateVersion string, proto ProtocolConfig, exports []*arcatypes.Export) Rendered {
	sorted := make([]*arcatypes.Export, len(exports))
	copy(sorted, exports)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExportID < sorted[j].ExportID })

	body := renderBody(proto, sorted)
	sum := sha256.Sum256(body)
	configVersion := hex.EncodeToString(sum[:])[:16]

	var out strings.Builder
	fmt.Fprintf(&out, "# template_version = %s\n", templateVersion)
	fmt.Fprintf(&out, "# config_version = %s\n\n", configVersion)
	out.Write(body)

	return Rendered{Body: []byte(out.String()), ConfigVersion: configVersion}
}

func renderBody(proto ProtocolConfig, sorted []*arcatypes.Export) []byte {
	var out strings.Builder

	protocols := proto.Protocols
	if protocols == "" {
		protocols = "4"
	}

	out.WriteString("NFS_Core_Param {\n")
	fmt.Fprintf(&out, "\tProtocols = %s;\n", protocols)
	if protocols == protocolsV3V4 {
		fmt.Fprintf(&out, "\tMNT_Port = %d;\n", proto.MountdPort)
		fmt.Fprintf(&out, "\tNLM_Port = %d;\n", proto.NLMPort)
	}
	out.WriteString("}\n\n")

	out.WriteString("EXPORT_DEFAULTS {\n")
	out.WriteString("\tAccess_Type = RW;\n")
	out.WriteString("\tSquash = Root_Squash;\n")
	out.WriteString("}\n\n")

	for _, e := range sorted {
		fmt.Fprintf(&out, "EXPORT {\n")
		fmt.Fprintf(&out, "\tExport_Id = %d;\n", e.ExportID)
		fmt.Fprintf(&out, "\tPath = %q;\n", e.Path)
		fmt.Fprintf(&out, "\tPseudo = %q;\n", e.Pseudo)
		fmt.Fprintf(&out, "\tProtocols = %s;\n", protocols)
		fmt.Fprintf(&out, "\tAccess_Type = %s;\n", accessTypeLiteral(e.Access))
		fmt.Fprintf(&out, "\tSquash = %s;\n", squashLiteral(e.Squash))
		fmt.Fprintf(&out, "\tSecType = %s;\n", secLiteral(e.Sec))
		fmt.Fprintf(&out, "\tCLIENT {\n")
		fmt.Fprintf(&out, "\t\tClients = %s;\n", e.ClientCIDR)
		fmt.Fprintf(&out, "\t}\n")
		fmt.Fprintf(&out, "\tFSAL {\n")
		fmt.Fprintf(&out, "\t\tName = VFS;\n")
		fmt.Fprintf(&out, "\t}\n")
		fmt.Fprintf(&out, "}\n\n")
	}

	return []byte(out.String())
}

func accessTypeLiteral(mode arcatypes.AccessMode) string {
	if mode == arcatypes.AccessRO {
		return "RO"
	}
	return "RW"
}

func squashLiteral(mode arcatypes.SquashMode) string {
	if mode == arcatypes.SquashNoRoot {
		return "No_Root_Squash"
	}
	return "Root_Squash"
}

func secLiteral(sec []string) string {
	if len(sec) == 0 {
		return "sys"
	}
	return strings.Join(sec, ",")
}
