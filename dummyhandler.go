package modbus

// DummyHandler is a RequestHandler that refuses every request with
// IllegalFunction. It is useful as an embeddable base for a partial handler,
// or as a placeholder while wiring up a server.
type DummyHandler struct{}

func (h *DummyHandler) HandleCoils(req *CoilsRequest) ([]bool, error) {
	return nil, ErrIllegalFunction
}

func (h *DummyHandler) HandleDiscreteInputs(req *DiscreteInputsRequest) ([]bool, error) {
	return nil, ErrIllegalFunction
}

func (h *DummyHandler) HandleInputRegisters(req *InputRegistersRequest) ([]uint16, error) {
	return nil, ErrIllegalFunction
}

func (h *DummyHandler) HandleHoldingRegisters(req *HoldingRegistersRequest) ([]uint16, error) {
	return nil, ErrIllegalFunction
}
