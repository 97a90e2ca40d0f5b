package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a learnable matrix together with its accumulated gradient
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam allocates a zero-valued parameter
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Shape returns [rows, cols]
func (p *Param) Shape() []int {
	r, c := p.Value.Dims()
	return []int{r, c}
}

// Data exposes the parameter's backing slice (row-major)
func (p *Param) Data() []float64 {
	return p.Value.RawMatrix().Data
}

// GradData exposes the gradient's backing slice (row-major)
func (p *Param) GradData() []float64 {
	return p.Grad.RawMatrix().Data
}

// ZeroGrad clears the accumulated gradient
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// SetData copies values into the parameter after checking the shape
func (p *Param) SetData(shape []int, data []float64) error {
	r, c := p.Value.Dims()
	if len(shape) != 2 || shape[0] != r || shape[1] != c {
		return fmt.Errorf("shape mismatch for %s: parameter [%d %d] vs %v", p.Name, r, c, shape)
	}
	if len(data) != r*c {
		return fmt.Errorf("data size mismatch for %s: expected %d, got %d", p.Name, r*c, len(data))
	}
	copy(p.Data(), data)
	return nil
}

func (p *Param) initUniform(rng *rand.Rand, bound float64) {
	d := p.Data()
	for i := range d {
		d[i] = (rng.Float64()*2 - 1) * bound
	}
}

// Module is anything that owns learnable parameters
type Module interface {
	Parameters() []*Param
}

// ParamsByName indexes a module's parameters by name
func ParamsByName(m Module) map[string]*Param {
	params := m.Parameters()
	byName := make(map[string]*Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	return byName
}

// ZeroGrad clears all gradients of a module
func ZeroGrad(m Module) {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// GradNorm returns the global L2 norm over all gradients
func GradNorm(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		n := floats.Norm(p.GradData(), 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients in place so their global L2 norm does not exceed
// maxNorm. It returns the norm measured before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	total := GradNorm(params)
	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.GradData())
		}
	}
	return total
}
