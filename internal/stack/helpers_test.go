package stack

import "github.com/chimerakang/iam-pipeline/idp"

func idpRequest(clientID, callback string) idp.AuthorizeRequest {
	return idp.AuthorizeRequest{
		ClientID:     clientID,
		ResponseType: "code",
		RedirectURI:  callback,
		Scope:        "openid email",
		State:        "s1",
	}
}

func tokenRequest(clientID, callback, code string) idp.TokenRequest {
	return idp.TokenRequest{
		GrantType:   idp.GrantAuthorizationCode,
		Code:        code,
		RedirectURI: callback,
		ClientID:    clientID,
	}
}
