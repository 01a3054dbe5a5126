// Package bom builds CycloneDX documents describing scanned hosts.
package bom

import (
	"bytes"
	"io"
	"runtime/debug"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Builder is a builder pattern for a CycloneDX BOM structure
type Builder struct {
	tool         string
	components   []cdx.Component
	dependencies []cdx.Dependency
	properties   []cdx.Property
	now          func() time.Time
}

// NewBuilder returns a builder of a BOM produced by a given scanner (eg. nmap)
func NewBuilder(tool string) *Builder {
	return &Builder{
		tool: tool,
		// those MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		components:   []cdx.Component{},
		dependencies: []cdx.Dependency{},
		properties:   []cdx.Property{},
		now:          time.Now,
	}
}

func (b *Builder) AppendComponents(components ...cdx.Component) *Builder {
	b.components = append(b.components, components...)
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

func (b *Builder) AppendDependencies(dependencies ...cdx.Dependency) *Builder {
	b.dependencies = append(b.dependencies, dependencies...)
	return b
}

// BOM returns a cdx.BOM based on a data inside the Builder
func (b *Builder) BOM() cdx.BOM {
	return cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: b.now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{Phase: "operations"},
			},
			Tools: &cdx.ToolsChoice{
				Components: &[]cdx.Component{
					{Type: cdx.ComponentTypeApplication, Name: b.tool},
				},
			},
			// This can't be nil otherwise this error will happen
			// json: error calling MarshalJSON for type *cyclonedx.ToolsChoice: unexpected end of JSON input
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "Boxworker",
				Version: version,
				Manufacturer: &cdx.OrganizationalEntity{
					Name: "CZERTAINLY",
					URL: &[]string{
						"https://www.czertainly.com",
					},
				},
			},
		},
		Components:   &b.components,
		Dependencies: &b.dependencies,
		Properties:   &b.properties,
	}
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(false).Encode(&bom)
}

// Bytes returns the BOM encoded as JSON
func (b *Builder) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.AsJSON(&buf); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}
