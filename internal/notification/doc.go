// Package notification holds the data model shared by the fan-out engine,
// its collaborators and the HTTP surface: requests, recipients, endpoints,
// records, delivery outcomes and the error taxonomy.
package notification
