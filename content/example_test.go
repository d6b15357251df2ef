package content_test

import (
	"fmt"

	"github.com/rbaliyan/maildoc/content"
)

func ExampleEncode() {
	enc, payload, _ := content.Encode("application/octet-stream", []byte{0xde, 0xad, 0xbe, 0xef})
	fmt.Println(enc, payload)

	raw, _ := content.DefaultRegistry().Decode(enc, payload)
	fmt.Printf("%x\n", raw)
	// Output:
	// base64 3q2+7w==
	// deadbeef
}
