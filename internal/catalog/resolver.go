package catalog

// Resolver maps physics element names to device names and back.
type Resolver struct {
	ele2dev map[string]string
	dev2ele map[string]string
}

func newResolver() *Resolver {
	return &Resolver{
		ele2dev: make(map[string]string),
		dev2ele: make(map[string]string),
	}
}

func (r *Resolver) add(element, device string) {
	r.ele2dev[element] = device
	r.dev2ele[device] = element
}

// Device returns the camera for a model element. Most elements in a twiss
// table are not cameras, so a miss is routine.
func (r *Resolver) Device(element string) (string, bool) {
	device, ok := r.ele2dev[element]
	return device, ok
}

func (r *Resolver) Element(device string) (string, bool) {
	element, ok := r.dev2ele[device]
	return element, ok
}
