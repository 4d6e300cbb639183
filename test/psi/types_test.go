// black box testing of the PSI over a network connection
package psi_test

type test_size struct {
	scenario                          string
	commonLen, senderLen, receiverLen int
}

// test scenarios
// the common part will be subtracted from the sender &
// the receiver len, so for instance
//
//	10 common, 10 sender will result in the sender len being 10 and only
//	composed of the common part
var test_sizes = []test_size{
	{"sender100receiver20", 10, 100, 20},
	{"emptySenderSize", 0, 0, 50},
	{"sameSize", 50, 50, 50},
	{"smallSize", 10, 10000, 100},
	{"mediumSize", 100, 100000, 200},
}
