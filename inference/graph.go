package inference

import (
	"os"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrGraphSignature is returned when a graph does not expose the detection tensors.
var ErrGraphSignature = errors.New("graph does not expose the detection tensors")

// VerifyGraph checks that the graph file exists and exposes ImageTensor as an
// input and every name in OutputNames as an output.
func VerifyGraph(graphPath string) error {
	if graphPath == "" {
		return errors.New("empty graph path")
	}
	if _, err := os.Stat(graphPath); err != nil {
		return errors.Wrap(err, "graph file")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(graphPath)
	if err != nil {
		return errors.Wrapf(err, "error reading io info from %s", graphPath)
	}

	inNames := make([]string, 0, len(inputs))
	for _, in := range inputs {
		inNames = append(inNames, in.Name)
	}
	outNames := make([]string, 0, len(outputs))
	for _, out := range outputs {
		outNames = append(outNames, out.Name)
	}
	return checkSignature(inNames, outNames)
}

func checkSignature(inputs, outputs []string) error {
	if !contains(inputs, ImageTensor) {
		return errors.Wrapf(ErrGraphSignature, "missing input %s, have %v", ImageTensor, inputs)
	}
	for _, name := range OutputNames {
		if !contains(outputs, name) {
			return errors.Wrapf(ErrGraphSignature, "missing output %s, have %v", name, outputs)
		}
	}
	return nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
