package worker

import "fmt"

// MemoryState is where the current model's weights live
type MemoryState string

const (
	MemoryEmpty MemoryState = "empty"
	MemoryRAM   MemoryState = "ram"
	MemoryVRAM  MemoryState = "vram"
)

// ModelMemory tracks which weights a worker holds and where. It
// enforces the legal movement of a model: disk to RAM, RAM to VRAM,
// and release from either tier. Promotion always drops the host
// staging copy before it reports success, so RAM and VRAM never hold
// the same weights at once.
type ModelMemory struct {
	engine Engine

	state     MemoryState
	modelName string
	ramMB     float64
	vramMB    float64
}

// NewModelMemory wraps an engine with memory-tier bookkeeping
func NewModelMemory(engine Engine) *ModelMemory {
	return &ModelMemory{engine: engine, state: MemoryEmpty}
}

// State returns the current memory tier
func (m *ModelMemory) State() MemoryState { return m.state }

// ModelName returns the name of the held model, empty when none
func (m *ModelMemory) ModelName() string { return m.modelName }

// VRAMUsageMB returns the device footprint of the resident model
func (m *ModelMemory) VRAMUsageMB() float64 { return m.vramMB }

// LoadToRAM stages weights from disk. Loading over an already staged
// or resident model is rejected; the caller clears first.
func (m *ModelMemory) LoadToRAM(modelName, modelPath string) (float64, error) {
	if m.state != MemoryEmpty {
		return 0, fmt.Errorf("cannot load %s: %s already in %s", modelName, m.modelName, m.state)
	}
	ramMB, err := m.engine.LoadToRAM(modelName, modelPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stage %s: %w", modelName, err)
	}
	m.state = MemoryRAM
	m.modelName = modelName
	m.ramMB = ramMB
	return ramMB, nil
}

// PromoteToVRAM moves staged weights onto the device and drops the
// staging copy. Only valid from the RAM tier.
func (m *ModelMemory) PromoteToVRAM() (float64, error) {
	if m.state != MemoryRAM {
		return 0, fmt.Errorf("cannot promote from %s", m.state)
	}
	vramMB, err := m.engine.PromoteToVRAM()
	if err != nil {
		return 0, fmt.Errorf("failed to promote %s: %w", m.modelName, err)
	}
	if err := m.engine.ReleaseRAM(); err != nil {
		return 0, fmt.Errorf("failed to release staging copy of %s: %w", m.modelName, err)
	}
	m.state = MemoryVRAM
	m.ramMB = 0
	m.vramMB = vramMB
	return vramMB, nil
}

// ClearRAM releases a staged model without ever promoting it
func (m *ModelMemory) ClearRAM() error {
	if m.state != MemoryRAM {
		return fmt.Errorf("no staged model to clear, state is %s", m.state)
	}
	if err := m.engine.ReleaseRAM(); err != nil {
		return err
	}
	m.state = MemoryEmpty
	m.modelName = ""
	m.ramMB = 0
	return nil
}

// ClearVRAM evicts the resident model from the device
func (m *ModelMemory) ClearVRAM() error {
	if m.state != MemoryVRAM {
		return fmt.Errorf("no resident model to clear, state is %s", m.state)
	}
	if err := m.engine.ReleaseVRAM(); err != nil {
		return err
	}
	m.state = MemoryEmpty
	m.modelName = ""
	m.vramMB = 0
	return nil
}

// CleanVRAM reclaims transient device memory without evicting the
// model. Valid only while a model is resident.
func (m *ModelMemory) CleanVRAM() (float64, error) {
	if m.state != MemoryVRAM {
		return 0, fmt.Errorf("no resident model to clean, state is %s", m.state)
	}
	return m.engine.CleanVRAM()
}

// Ensure makes the named model resident on the device, evicting or
// discarding whatever is currently held if it differs.
func (m *ModelMemory) Ensure(modelName, modelPath string) error {
	if m.state == MemoryVRAM && m.modelName == modelName {
		return nil
	}

	switch m.state {
	case MemoryVRAM:
		if err := m.ClearVRAM(); err != nil {
			return err
		}
	case MemoryRAM:
		if m.modelName == modelName {
			_, err := m.PromoteToVRAM()
			return err
		}
		if err := m.ClearRAM(); err != nil {
			return err
		}
	}

	if _, err := m.LoadToRAM(modelName, modelPath); err != nil {
		return err
	}
	_, err := m.PromoteToVRAM()
	return err
}
