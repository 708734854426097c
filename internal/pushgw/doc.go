// Package pushgw is the HTTP push transport.
//
// In gateway mode every send is a POST of an envelope (endpoint + keys +
// payload) to a relay service that performs the vendor-specific delivery.
// Without a gateway the JSON payload is posted straight to the endpoint
// address with Web Push style headers (TTL, Urgency, Topic); payload
// encryption is left to the gateway.
package pushgw
