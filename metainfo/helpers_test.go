package metainfo

import "github.com/nilsjor/gobitorrent/bencode"

func stringValue(s string) bencode.Value { return bencode.String(s) }
func intValue(n int64) bencode.Value     { return bencode.Int64(n) }
func listValue(items ...bencode.Value) bencode.Value {
	return bencode.Value{Kind: bencode.KindList, List: items}
}
