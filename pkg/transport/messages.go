package transport

// Wire messages for the KV service, encoded with the msgpack codec.
// The msgpack tags are the wire contract; renaming a tag is a
// protocol break.

type PushRequest struct {
	Rank int      `msgpack:"rank"`
	Keys []uint64 `msgpack:"keys"`
	Vals []byte   `msgpack:"vals"`
	Lens []int    `msgpack:"lens"`
	Cmd  int      `msgpack:"cmd"`
}

type PushResponse struct{}

type PullRequest struct {
	Rank int      `msgpack:"rank"`
	Keys []uint64 `msgpack:"keys"`
	Lens []int    `msgpack:"lens"`
	Cmd  int      `msgpack:"cmd"`
}

type PullResponse struct {
	Vals []byte `msgpack:"vals"`
}
