package core

// GetCommandType packs a request flavor and element type into the
// transport command code. The layout (request in the high bits,
// element type in the low four) is shared with the server and must
// not change.
func GetCommandType(r RequestType, d DataType) int {
	return int(r)<<4 | int(d)
}

// DecodeCommandType splits a command code back into its request
// flavor and element type.
func DecodeCommandType(cmd int) (RequestType, DataType) {
	return RequestType(cmd >> 4), DataType(cmd & 0xf)
}
