package resource

// Handle is an opaque reference to a face in a bundle.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Format is a font file container.
type Format string

const (
	FormatTTF Format = "ttf"
	FormatOTF Format = "otf"
	FormatTTC Format = "ttc" // TrueType collection
	FormatOTC Format = "otc" // OpenType collection
)

// IsCollection reports whether the file may hold several faces.
func (f Format) IsCollection() bool {
	return f == FormatTTC || f == FormatOTC
}

// DefaultStyle is assumed when a file name carries no style.
const DefaultStyle = "Regular"

// Face is one font file in the bundle.
type Face struct {
	Family string
	Style  string
	Path   string
	Format Format
	Size   int64
	Handle Handle
}
