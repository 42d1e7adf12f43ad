package protocol

import (
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
)

// DataKind routes a decoded payload to its responder.
type DataKind uint64

// KindNone marks a reply carrying only a result code.
const KindNone DataKind = 0

func (k DataKind) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}

// KindFor derives the data-kind id of a request/response type pair.
func KindFor(request, response string) DataKind {
	d := xxhash.New()
	_, _ = d.WriteString(request)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(response)
	k := DataKind(d.Sum64())
	if k == KindNone {
		k = 1
	}
	return k
}

// KindOf derives the data-kind id from the Go type names of Req and Resp.
func KindOf[Req, Resp any]() DataKind {
	return KindFor(TypeName[Req](), TypeName[Resp]())
}

// TypeName is the package-qualified name of T with pointer indirection removed.
func TypeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
