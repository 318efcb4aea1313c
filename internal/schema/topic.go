package schema

// UnknownSymbol is the topic placeholder for unresolvable symbol ids.
const UnknownSymbol = "UNKNOWN"

// Resolver maps symbol ids back to strings.
type Resolver interface {
	ByID(id uint32) string
}

// TopicFor derives the routing topic for a frame body: "<type>.<symbol>"
// for symbol-carrying bodies, the bare type label otherwise.
func TopicFor(b Body, r Resolver) string {
	label := b.Type().TopicLabel()
	id, ok := SymbolID(b)
	if !ok {
		return label
	}
	sym := ""
	if r != nil {
		sym = r.ByID(id)
	}
	if sym == "" {
		sym = UnknownSymbol
	}
	return label + "." + sym
}
