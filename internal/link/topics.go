package link

const (
	TopicLinkStatus  = "link.status"
	TopicSentenceIn  = "sentence.in"
	TopicSentenceOut = "sentence.out"
	TopicPacketIn    = "packet.in"
	TopicDiagnostic  = "diagnostic"
	TopicDatagramIn  = "datagram.in"
	TopicDatagramOut = "datagram.out"
)
