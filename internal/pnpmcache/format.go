package pnpmcache

type Format string

const (
	FormatGzip Format = "gzip"
	FormatZstd Format = "zstd"
	FormatTar  Format = "tar"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// SniffFormat tags a snapshot by its leading bytes. Anything that is
// neither gzip nor zstd is attempted as an uncompressed tar archive.
func SniffFormat(leading []byte) Format {
	if hasPrefix(leading, gzipMagic) {
		return FormatGzip
	}
	if hasPrefix(leading, zstdMagic) {
		return FormatZstd
	}
	return FormatTar
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
