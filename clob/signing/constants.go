package signing

// CLOB L1 认证域的协议常量，和官方客户端保持一致。
const (
	ClobDomainName = "ClobAuthDomain"
	ClobVersion    = "1"
	MsgToSign      = "This message attests that I control the given wallet"
)
