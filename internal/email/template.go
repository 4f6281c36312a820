package email

import "html/template"

var newsletterTemplate = template.Must(template.New("newsletter").Parse(`<!doctype html>
<html lang="nl">
<head>
    <meta charset="utf-8">
    <meta name="x-apple-disable-message-reformatting">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>{{.Issue.Title}}</title>
</head>
<body style="margin:0;padding:0;background:{{.Template.BackgroundColor}};">
    <table role="presentation" width="100%" cellpadding="0" cellspacing="0" style="background:{{.Template.BackgroundColor}};">
        <tr>
            <td align="center" style="padding:24px 12px;">
                <table role="presentation" width="600" cellpadding="0" cellspacing="0" style="max-width:{{.Template.MaxWidth}};width:100%;background:#ffffff;border-radius:12px;border:1px solid {{.Template.BorderColor}};">
                    <tr>
                        <td style="padding:20px 12px 8px 24px;">
                            <table width="100%" cellpadding="0" cellspacing="0" border="0">
                                <tr>
                                    <td style="vertical-align:top;">
                                        <h1 style="margin:0;font-family:{{.Template.FontFamily}};font-size:22px;line-height:1.3;color:{{.Template.HeaderColor}};">{{.Issue.Title}}</h1>
                                        <p style="margin:8px 0 0 0;font-family:{{.Template.FontFamily}};font-size:12px;color:{{.Template.MutedColor}};">{{.Date}}</p>
                                    </td>
                                    {{if .Newsletter.LogoURL}}<td style="text-align:right;vertical-align:top;">
                                        <img src="{{.Newsletter.LogoURL}}" alt="{{.Newsletter.FromName}}" style="width:90px;height:90px">
                                    </td>{{end}}
                                </tr>
                            </table>
                        </td>
                    </tr>
                    {{if .Newsletter.Intro}}<tr>
                        <td style="padding:0 24px 16px 24px;">
                            <p style="margin:0;font-family:{{.Template.FontFamily}};font-size:14px;line-height:1.6;color:{{.Template.TextColor}};">{{.Newsletter.Intro}}</p>
                        </td>
                    </tr>{{end}}
                    {{if .Issue.ImageURL}}<tr>
                        <td style="padding:0 24px 16px 24px;">
                            <img src="{{.Issue.ImageURL}}" alt="" style="width:100%;max-width:552px;height:auto;display:block;border-radius:8px;" />
                        </td>
                    </tr>{{end}}
                    {{.Markers.Cards}}
                    <tr>
                        <td style="padding:0 12px 16px 12px;">
                            <table role="presentation" width="100%" cellpadding="0" cellspacing="0">
                                {{range .Cards}}<tr>
                                    <td style="padding:16px 20px;border:1px solid #e6e6e6;border-radius:8px;background:#ffffff;">
                                        <h3 style="margin:0 0 8px 0;font-family:{{$.Template.FontFamily}};font-size:18px;line-height:1.3;color:#111111;">{{.Title}}</h3>
                                        {{range .Paragraphs}}<p style="margin:0 0 10px 0;font-family:{{$.Template.FontFamily}};font-size:14px;line-height:1.6;color:{{$.Template.TextColor}};">{{range $i, $line := .}}{{if $i}}<br>{{end}}{{$line}}{{end}}</p>
                                        {{end}}{{if .Infographic}}<img src="{{.Infographic}}" alt="" style="width:100%;height:auto;display:block;border-radius:8px;margin:0 0 10px 0;" />
                                        {{end}}{{if .Links}}<p style="margin:0;font-family:{{$.Template.FontFamily}};font-size:14px;">{{range $i, $l := .Links}}{{if $i}} · {{end}}<a href="{{$l.URL}}" target="_blank" style="color:{{$.Template.LinkColor}};text-decoration:underline;">{{$l.Label}}</a>{{end}}</p>{{end}}
                                    </td>
                                </tr>
                                <tr><td style="height:14px;line-height:14px;font-size:0;">&nbsp;</td></tr>
                                {{end}}
                            </table>
                        </td>
                    </tr>
                    {{.Markers.Footer}}
                    <tr>
                        <td style="padding:14px 24px 20px 24px;border-top:1px solid {{.Template.BorderColor}};background:#fbfcfe;border-radius:0 0 12px 12px;">
                            <p style="margin:0;font-family:{{.Template.FontFamily}};font-size:12px;color:{{.Template.MutedColor}};">
                                Geselecteerd en geschreven door AI.<br>
                                Je ontvangt deze mail omdat je bent aangemeld voor de {{.ScheduleName}} nieuwsbrief.
                            </p>
                            <p style="margin:8px 0 0 0;font-family:{{.Template.FontFamily}};font-size:12px;color:#9ca3af;">
                                <a href="{{.UnsubscribeURL}}?email=[EMAIL]" style="color:{{.Template.MutedColor}};text-decoration:underline;">Afmelden</a> ·
                                <a href="{{.SwitchURL}}?email=[EMAIL]" style="color:{{.Template.MutedColor}};text-decoration:underline;">Wissel naar de {{.SwitchName}} nieuwsbrief</a>
                            </p>
                        </td>
                    </tr>
                </table>
            </td>
        </tr>
    </table>
</body>
</html>
`))
