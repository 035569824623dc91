package coap

// OptionNumber identifies a CoAP option (RFC 7252 §12.2), as consumed by the
// forward proxy's Option Rewriter.
type OptionNumber uint16

// Option numbers observed or emitted by the forward proxy.
// The full registry is larger; any option not named here is still carried
// transparently by Message since options are stored generically as
// (number, opaque value) pairs.
const (
	IfMatch       OptionNumber = 1
	URIHost       OptionNumber = 3
	ETag          OptionNumber = 4
	IfNoneMatch   OptionNumber = 5
	Observe       OptionNumber = 6
	URIPort       OptionNumber = 7
	LocationPath  OptionNumber = 8
	URIPath       OptionNumber = 11
	ContentFormat OptionNumber = 12
	MaxAge        OptionNumber = 14
	URIQuery      OptionNumber = 15
	Accept        OptionNumber = 17
	LocationQuery OptionNumber = 20
	ProxyURI      OptionNumber = 35
	ProxyScheme   OptionNumber = 39
	Size1         OptionNumber = 60
)

// Option is a single (number, value) pair within a Message. Values are
// carried as opaque bytes; callers interpret them according to the
// option's registered format (uint, string, or opaque).
type Option struct {
	Number OptionNumber
	Value  []byte
}

// options implements sort.Interface so Message.Marshal can emit options in
// strictly ascending number order, as CoAP's delta encoding requires.
type options []Option

func (o options) Len() int      { return len(o) }
func (o options) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o options) Less(i, j int) bool {
	return o[i].Number < o[j].Number
}
