package generic

// Void is a zero-size placeholder for "no value", e.g. set members or Result[Void].
type Void struct{}

func NewVoid() Void {
	return Void{}
}
