package model

// SGD is plain stochastic gradient descent with a step counter.
type SGD struct {
	LR    float64
	Steps int64
}

// NewSGD returns an optimizer with the given learning rate.
func NewSGD(lr float64) *SGD {
	if lr <= 0 {
		lr = 0.01
	}
	return &SGD{LR: lr}
}

func (o *SGD) apply(param *float64, grad float64) {
	*param -= o.LR * grad
}

// StateDict implements Stateful.
func (o *SGD) StateDict() StateDict {
	return StateDict{
		"lr":    Scalar(o.LR),
		"steps": Scalar(float64(o.Steps)),
	}
}

// LoadStateDict implements Stateful.
func (o *SGD) LoadStateDict(sd StateDict) error {
	lr, err := sd.scalar("lr")
	if err != nil {
		return err
	}
	steps, err := sd.scalar("steps")
	if err != nil {
		return err
	}
	o.LR = lr
	o.Steps = int64(steps)
	return nil
}
