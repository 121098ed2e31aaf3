package configloader

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// PrintConfig печатает итоговый конфиг как YAML. Секреты маскирует вызывающий.
func PrintConfig(w io.Writer, v interface{}) {
	out, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(w, "# config: marshal failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "# resolved configuration\n%s", out)
}
