package dyld

// Image represents one dylib inside the shared cache.
type Image struct {
	Name  string
	Index uint32
	Info  CacheImageInfo
	CacheImageTextInfo
	CacheLocalSymbolsEntry

	cache *File
}

// Address returns the image's unslid mach header address.
func (i *Image) Address() uint64 {
	return i.Info.Address
}

// Cache returns the cache this image belongs to.
func (i *Image) Cache() *File {
	return i.cache
}

// HeaderData returns the writable bytes starting at the image's mach header,
// to the end of that sub-cache mapping.
func (i *Image) HeaderData() ([]byte, error) {
	sc, off, err := i.cache.ConvertAddr(i.Info.Address)
	if err != nil {
		return nil, err
	}
	return sc.Data[off:], nil
}
