package namegen

import (
	"fmt"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// Prefixed returns a generated name under the given prefix, used for
// cloud resources so they are attributable to this broker.
func Prefixed(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, gen.Get())
}
