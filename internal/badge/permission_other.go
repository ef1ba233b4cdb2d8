//go:build !unix

package badge

func defaultAuthorizer() Authorizer {
	return AllowAll{}
}
